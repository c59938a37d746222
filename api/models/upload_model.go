package models

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

// ParsePrepareUploadRequest decodes a prepare-upload body. Semantic
// validation happens in the session manager, this only rejects bodies
// that are not the right shape at all.
func ParsePrepareUploadRequest(body []byte) (*types.PrepareUploadRequest, error) {
	var request types.PrepareUploadRequest
	if err := sonic.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("parse prepare-upload request: %w", err)
	}
	return &request, nil
}
