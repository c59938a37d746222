package types

import "fmt"

// PrepareDownloadResponse is the offer a sharing peer answers on
// prepare-download: its device record, the session its files are served
// under, and their metadata keyed by file id.
type PrepareDownloadResponse struct {
	Info      Device              `json:"info"`
	SessionId string              `json:"sessionId"`
	Files     map[string]FileInfo `json:"files"`
}

// Validate rejects offers no pull should ever be started for.
func (r *PrepareDownloadResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("response is nil")
	}
	if r.SessionId == "" {
		return fmt.Errorf("offer has no session id")
	}
	if len(r.Files) == 0 {
		return fmt.Errorf("offer contains no files")
	}
	for fileId, info := range r.Files {
		if info.ID == "" {
			info.ID = fileId
		}
		if err := info.Validate(); err != nil {
			return err
		}
	}
	return nil
}
