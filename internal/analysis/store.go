package analysis

import "context"

// SessionStore is the orchestrator's view of session persistence. The
// concrete implementation (internal/store) layers a read cache over a
// durable repository; Evict forces the next Get to reload from disk.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, sess *Session) error
	Evict(id string)
}
