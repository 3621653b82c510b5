package collector

import (
	"context"
	"io"
	"time"
)

// Transport performs the wire-level call for the request middleware. The
// middleware never encodes a protocol itself.
type Transport interface {
	Perform(ctx context.Context, req Request) (*Response, error)
}

// DocumentStore persists whole state documents by name.
type DocumentStore interface {
	// ReadDocument returns ErrDocumentNotFound when the document does not exist.
	ReadDocument(ctx context.Context, name string) ([]byte, error)
	WriteDocument(ctx context.Context, name string, data []byte) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// OutputQuery scopes an output store lookup to one run.
type OutputQuery struct {
	RunID    string
	TaskType TaskType
	Since    time.Time
}

// OutputStore reports what a run actually persisted. It is only consulted by
// integrity validation.
type OutputStore interface {
	CountItems(ctx context.Context, q OutputQuery) (int64, error)
	DuplicateKeys(ctx context.Context, q OutputQuery) ([]string, error)
}

// OutputItem is one persisted result of a collection task.
type OutputItem struct {
	RunID       string
	TaskType    TaskType
	Key         string
	URI         string
	CollectedAt time.Time
}

// OutputRecorder persists collected items. Retry handlers use it to record
// what a successful retry produced.
type OutputRecorder interface {
	RecordItem(ctx context.Context, item OutputItem) error
}

// RetryHandler re-attempts a failed task. A false result or a non-nil error
// both count as a failed attempt.
type RetryHandler interface {
	Attempt(ctx context.Context, target string, metadata map[string]any) (bool, error)
}

// RetryHandlerFunc adapts a function to RetryHandler.
type RetryHandlerFunc func(ctx context.Context, target string, metadata map[string]any) (bool, error)

// Attempt calls f.
func (f RetryHandlerFunc) Attempt(ctx context.Context, target string, metadata map[string]any) (bool, error) {
	return f(ctx, target, metadata)
}

// Publisher pushes escalation events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for deterministic identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
