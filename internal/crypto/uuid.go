package crypto

import (
	"github.com/google/uuid"
)

// NewUUIDv7 generates a time-ordered UUID v7, used to correlate one
// HTTP request's sched.Task with its log lines even when two requests
// share the same room or transaction id.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
