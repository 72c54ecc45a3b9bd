package models

// Modifier attribution for checksum index entries. Drift detected by a
// rescan is attributed to the server; uploads and applied deltas to the
// client.
const (
	ModifierServer = "server"
	ModifierClient = "client"
)

// IndexEntry is one row of the checksum index: a single regular file under
// either store tree.
type IndexEntry struct {
	Path          string `json:"-"`         // absolute path on disk
	StorePath     string `json:"storePath"` // path relative to the store root
	IsPublic      bool   `json:"-"`
	Checksum      string `json:"checksum"` // SHA-256 hex of the file contents
	LastUpdatedBy string `json:"lastUpdatedBy"`
}
