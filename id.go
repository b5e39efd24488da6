package rdsmq

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator produces globally unique message ids.
type IDGenerator func() string

// UUIDGenerator returns random v4 UUIDs.
func UUIDGenerator() string {
	return uuid.NewString()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// ULIDGenerator returns monotonic ULIDs, which sort by creation time.
func ULIDGenerator() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// ParseIDFormat maps a config value to a generator. Unknown values fall back to UUIDs.
func ParseIDFormat(format string) IDGenerator {
	switch format {
	case "ulid":
		return ULIDGenerator
	default:
		return UUIDGenerator
	}
}
