package types

import "fmt"

type FileMetadata struct {
	Modified string `json:"modified,omitempty"`
	Accessed string `json:"accessed,omitempty"`
}

// FileInfo describes one file inside a prepare-upload negotiation.
type FileInfo struct {
	ID       string        `json:"id"`
	FileName string        `json:"fileName"`
	Size     int64         `json:"size"`
	FileType string        `json:"fileType"`
	SHA256   string        `json:"sha256,omitempty"`
	Preview  string        `json:"preview,omitempty"`
	Metadata *FileMetadata `json:"metadata,omitempty"`
}

// Validate checks the fields required before a transfer session may be
// created for this file. Name safety is the path validator's job, not ours.
func (f FileInfo) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("file id is empty")
	}
	if f.FileName == "" {
		return fmt.Errorf("file %s has no name", f.ID)
	}
	if f.Size < 0 {
		return fmt.Errorf("file %s has negative size %d", f.ID, f.Size)
	}
	return nil
}
