package manager

import (
	"crypto/rand"
	"encoding/hex"
)

// newTaskID generates a fresh 8-character hex task id. Uniqueness is
// statistical; callers must retry on a DuplicateID from Store.Create.
func newTaskID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
