package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random UUID string, used for session ids and resume tokens.
func NewID() string {
	return uuid.NewString()
}

// NewRequestID returns a unique command request id for callers that do not
// supply their own.
func NewRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
