package pqbus

import (
	"github.com/aridsondez/pqbus/internal/queue"
)

// Message is a claimed or freshly pushed queue row.
type Message = queue.Message

// Stats is a point-in-time breakdown of one queue.
type Stats = queue.Stats

// StoreError wraps a failed database statement.
type StoreError = queue.StoreError

const (
	StateAvailable = queue.StateAvailable
	StateClaimed   = queue.StateClaimed
)

var (
	ErrConnection    = queue.ErrConnection
	ErrNotFound      = queue.ErrNotFound
	ErrSchemaMissing = queue.ErrSchemaMissing
	ErrInvalidName   = queue.ErrInvalidName
	ErrClosed        = queue.ErrClosed
)

// IsTransient reports whether an operation that failed with err may succeed
// if retried.
func IsTransient(err error) bool {
	return queue.IsTransient(err)
}

// ChannelName returns the notification channel used by a queue.
func ChannelName(namespace, name string) string {
	return queue.ChannelName(namespace, name)
}
