package queue

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// State is the claim state of a message row.
type State string

const (
	StateAvailable State = "available"
	StateClaimed   State = "claimed"
)

// DefaultNamespace partitions queues when no namespace is configured.
const DefaultNamespace = "default"

// Message is the durable queue row mapped to Go.
type Message struct {
	ID         int64
	Namespace  string
	Queue      string
	Body       []byte
	State      State
	ClaimedAt  *time.Time
	ClaimedBy  string
	Deliveries int
	CreatedAt  time.Time
}

// String returns the body as text.
func (m *Message) String() string {
	return string(m.Body)
}

// Decode unpacks a body written with EncodeBody into v.
func (m *Message) Decode(v any) error {
	return msgpack.Unmarshal(m.Body, v)
}

// EncodeBody packs v with msgpack so consumers can Decode it.
func EncodeBody(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Stats is a point-in-time breakdown of one queue.
type Stats struct {
	Namespace     string     `json:"namespace" db:"namespace"`
	Queue         string     `json:"queue" db:"queue"`
	Available     int64      `json:"available" db:"available"`
	Claimed       int64      `json:"claimed" db:"claimed"`
	OldestCreated *time.Time `json:"oldest_created_at,omitempty" db:"oldest_created_at"`
}

// Total is the number of rows held by the queue, claimed or not.
func (s Stats) Total() int64 {
	return s.Available + s.Claimed
}
