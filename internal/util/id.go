package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered v7 UUID, optionally prefixed with the node
// kind ("mis", "obj", ...), so ids sort by creation time.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
