package fts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sentinelfleet/sentinel/pkg/debug"
)

// DeltaSuffix is appended to a store path to name its cached patch.
const DeltaSuffix = ".xdiff"

// DeltaCodec applies VCDIFF binary patches by shelling out to xdelta3.
type DeltaCodec struct {
	binary string
}

// NewDeltaCodec creates a codec around the given xdelta3 binary.
func NewDeltaCodec(binary string) *DeltaCodec {
	return &DeltaCodec{binary: binary}
}

// Available reports whether the delta binary can be found on PATH.
func (c *DeltaCodec) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Apply decodes patchPath against targetPath and replaces targetPath with
// the result. The decode writes to a temporary file in the target's
// directory first, so a failed or killed decode never corrupts the target.
func (c *DeltaCodec) Apply(ctx context.Context, targetPath, patchPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), filepath.Base(targetPath)+".apply-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for delta apply: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	cmd := exec.CommandContext(ctx, c.binary, "-d", "-f", "-s", targetPath, patchPath, tmpPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to apply delta to %s: %w: %s",
			targetPath, err, strings.TrimSpace(string(output)))
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace target after delta apply: %w", err)
	}

	debug.Debug("applied delta %s onto %s", patchPath, targetPath)
	return nil
}
