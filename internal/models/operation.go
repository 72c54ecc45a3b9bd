package models

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ProcessingStatus describes what an agent is doing with its operation
// queue right now.
type ProcessingStatus int

const (
	ProcessingIdle ProcessingStatus = iota
	ProcessingRunning
	ProcessingSuccess
	ProcessingFailed
)

var processingNames = map[ProcessingStatus]string{
	ProcessingIdle:    "IDLE",
	ProcessingRunning: "RUNNING",
	ProcessingSuccess: "SUCCESS",
	ProcessingFailed:  "FAILED",
}

func (s ProcessingStatus) String() string {
	if name, ok := processingNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ProcessingStatus(%d)", int(s))
}

// ProcessingStatusFromInt validates and converts a wire-format integer.
func ProcessingStatusFromInt(v int) (ProcessingStatus, error) {
	s := ProcessingStatus(v)
	if _, ok := processingNames[s]; !ok {
		return ProcessingIdle, fmt.Errorf("%w: invalid processing status %d", ErrInvalidInput, v)
	}
	return s, nil
}

// Operation is a command queued by the server for execution on a specific
// agent. The payload is opaque to the server; it only owns queue and
// status semantics.
type Operation struct {
	ID      int                    `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// DecodePayload decodes the opaque payload into a typed struct. Callers
// that know the operation type use this to pull out their parameters.
func (o *Operation) DecodePayload(out interface{}) error {
	if err := mapstructure.Decode(o.Payload, out); err != nil {
		return fmt.Errorf("failed to decode operation payload: %w", err)
	}
	return nil
}
