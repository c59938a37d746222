package transfer

import (
	"fmt"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// Share is the reverse flow: a fixed set of local files offered under
// one session id for peers to pull. The set is immutable after creation,
// so lookups need no locking.
type Share struct {
	id    string
	pin   string
	files map[string]OutboundFile
}

// NewShare describes the paths and offers them under a fresh session id.
// An empty pin leaves the share open.
func NewShare(paths []string, pin string) (*Share, error) {
	files, err := DescribeFiles(paths)
	if err != nil {
		return nil, faults.Filesystem("transfer", "describe files", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to share")
	}

	byID := make(map[string]OutboundFile, len(files))
	for _, file := range files {
		byID[file.Info.ID] = file
	}
	return &Share{id: tool.GenerateRandomUUID(), pin: pin, files: byID}, nil
}

func (s *Share) SessionID() string {
	return s.id
}

// CheckPIN reports whether the presented pin opens this share.
func (s *Share) CheckPIN(pin string) bool {
	return s.pin == "" || pin == s.pin
}

// Manifest is the offer answered on prepare-download.
func (s *Share) Manifest(self types.Device) types.PrepareDownloadResponse {
	files := make(map[string]types.FileInfo, len(s.files))
	for id, file := range s.files {
		files[id] = file.Info
	}
	return types.PrepareDownloadResponse{Info: self, SessionId: s.id, Files: files}
}

// Lookup resolves an offered file id to the local path it is served from.
func (s *Share) Lookup(fileID string) (string, bool) {
	file, ok := s.files[fileID]
	if !ok {
		return "", false
	}
	return file.Path, true
}

// Files lists the offered metadata, for printing download hints.
func (s *Share) Files() []types.FileInfo {
	out := make([]types.FileInfo, 0, len(s.files))
	for _, file := range s.files {
		out = append(out, file.Info)
	}
	return out
}
