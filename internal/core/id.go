package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier encoded as lowercase hex without dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
