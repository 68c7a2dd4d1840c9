package helper

import (
	"crypto/rand"

	"github.com/oklog/ulid"
)

// GenerateRequestID returns a lexicographically sortable unique id for
// correlating audit events and request logs.
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
