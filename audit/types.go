package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Operations recorded by the broker.
const (
	OperationRead   = "read"
	OperationUpsert = "upsert"
	OperationDelete = "delete"
	OperationList   = "list"
	OperationImport = "import"
)

// Outcomes. A not-found read is an expected result, not a failure.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeConflict = "conflict"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

// Entry is one audited broker operation. It names the keys involved but
// never their values.
type Entry struct {
	ID         string        `json:"id"`
	Time       time.Time     `json:"time"`
	Operation  string        `json:"operation"`
	Path       string        `json:"path"`
	Keys       []string      `json:"keys,omitempty"`
	Outcome    string        `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Client     string        `json:"client,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// NewEntry stamps a new entry with an id and the current time.
func NewEntry(operation, path string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Operation: operation,
		Path:      path,
	}
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, *Entry) error { return nil }
func (Nop) Close() error                         { return nil }

type requestIDKey struct{}
type clientKey struct{}

// WithRequestID attaches the inbound request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithClient attaches an already salted caller identity to ctx.
func WithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// Client returns the salted caller identity attached to ctx, if any.
func Client(ctx context.Context) string {
	c, _ := ctx.Value(clientKey{}).(string)
	return c
}
