package collab

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerEpoch identifies one process lifetime. It is announced to every
// attached connection so clients can detect a server restart and discard
// local caches built against a process that no longer exists. The server
// itself never changes behavior based on its own epoch.
type ServerEpoch string

// NewServerEpoch derives a fresh epoch from the process start time and a
// random component, so two processes started within the same second still
// differ.
func NewServerEpoch(clock func() time.Time) ServerEpoch {
	if clock == nil {
		clock = time.Now
	}
	return ServerEpoch(fmt.Sprintf("%d-%s", clock().UTC().Unix(), uuid.NewString()))
}

// String returns the epoch's wire form.
func (e ServerEpoch) String() string {
	return string(e)
}
