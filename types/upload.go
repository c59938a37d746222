package types

import "fmt"

// PrepareUploadRequest is the body a sender POSTs to /prepare-upload:
// its own device record plus the files it wants to push.
type PrepareUploadRequest struct {
	Info  Device              `json:"info"`
	Files map[string]FileInfo `json:"files"`
}

// Validate rejects requests no session should ever be created for.
func (r *PrepareUploadRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if err := r.Info.Validate(); err != nil {
		return fmt.Errorf("invalid sender info: %v", err)
	}
	if len(r.Files) == 0 {
		return fmt.Errorf("request contains no files")
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

// PrepareUploadResponse carries the issued sessionId plus one token per
// accepted file. Every later upload must present the session, file, and
// token issued here.
type PrepareUploadResponse struct {
	SessionId string            `json:"sessionId"`
	Files     map[string]string `json:"files"`
}

type ConfirmResult struct {
	Confirmed bool `json:"confirmed"`
}
