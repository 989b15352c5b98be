package mergestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Storage persists whole named collections. Implementations do no merging
// and no locking.
type Storage interface {
	// Load returns the stored collection, or nil when it does not exist yet.
	Load(ctx context.Context, name string) ([]json.RawMessage, error)
	// Save replaces the collection contents.
	Save(ctx context.Context, name string, records []json.RawMessage) error
}

const (
	CollectionSales        = "sales"
	CollectionInvoices     = "invoices"
	CollectionInvoiceTimes = "invoice_times"
)

var ErrUnknownCollection = errors.New("unknown collection")

var knownCollections = map[string]bool{
	CollectionSales:        true,
	CollectionInvoices:     true,
	CollectionInvoiceTimes: true,
}

// KnownCollection reports whether name is one of the collections the
// pipeline reads and writes.
func KnownCollection(name string) error {
	if !knownCollections[name] {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return nil
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,99}$`)

// checkName keeps collection names safe to use as file names, object
// names and keys.
func checkName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

func cloneRecords(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return nil
	}
	out := make([]json.RawMessage, len(in))
	for i, r := range in {
		out[i] = append(json.RawMessage(nil), r...)
	}
	return out
}
