package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Request is immutable once created.
type Request struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Target    string          `json:"target,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Response is written at most once per request id.
type Response struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	ProducedAt time.Time       `json:"producedAt"`
}

// StaleFor reports whether r was produced before req existed, i.e. it
// answers an earlier request that reused the id.
func (r Response) StaleFor(req Request) bool {
	return r.ID != req.ID || r.ProducedAt.Before(req.CreatedAt)
}

var (
	// ErrCallerTimeout means no valid response arrived in time. The request
	// may still be processed; retry with a fresh id.
	ErrCallerTimeout = errors.New("tunnel call timed out")
	ErrAlreadyExists = errors.New("tunnel record already exists")
	ErrNotFound      = errors.New("tunnel request not found")
)

// RemoteError is an ERROR response from the worker.
type RemoteError struct {
	ID      string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tunnel %s (%s) failed: %s", e.ID, e.Kind, e.Message)
}

// Store is the shared request/response table both sides watch.
type Store interface {
	CreateRequest(ctx context.Context, req Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	DeleteRequest(ctx context.Context, id string) error
	// ClaimRequest marks id as being processed. Only the first claim wins.
	ClaimRequest(ctx context.Context, id string) (bool, error)
	// WriteResponse stores resp unless a response for the id exists.
	WriteResponse(ctx context.Context, resp Response) (bool, error)
	DeleteResponse(ctx context.Context, id string) error
	// WatchResponse emits the response for id, whether already written or
	// written later. The channel closes when ctx ends.
	WatchResponse(ctx context.Context, id string) (<-chan Response, error)
	// WatchRequests emits unclaimed requests, existing ones first. The
	// channel closes when ctx ends.
	WatchRequests(ctx context.Context) (<-chan Request, error)
}

// Notifier tells remote workers a request exists.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}
