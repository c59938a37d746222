package tool

import "github.com/google/uuid"

// GenerateRandomUUID returns a fresh random identifier, used for session
// ids, per-file tokens, and error report ids.
func GenerateRandomUUID() string {
	return uuid.NewString()
}
