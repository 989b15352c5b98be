package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordID is an upstream identifier carried as its exact decimal text.
// Provider ids can exceed 2^53, so they never pass through float64.
type RecordID string

func (id *RecordID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RecordID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("record id %s: %w", string(b), err)
	}
	*id = RecordID(n.String())
	return nil
}

func (id RecordID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func (id RecordID) String() string {
	return string(id)
}

func (id RecordID) IsZero() bool {
	return id == ""
}

// RawRecord is one upstream transaction as returned by the search endpoint,
// tagged with the node it was fetched from.
type RawRecord struct {
	ID   RecordID        `json:"id"`
	Node string          `json:"node"`
	Body json.RawMessage `json:"body"`
}

type DateRange struct {
	From time.Time `json:"dateFrom"`
	To   time.Time `json:"dateTo"`
}

func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("date range needs both ends")
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("date range %s..%s is inverted", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// recordHead picks the identifier out of a raw upstream item.
type recordHead struct {
	ID            RecordID `json:"id"`
	TransactionID RecordID `json:"transactionId"`
}

func (h recordHead) key() RecordID {
	if !h.ID.IsZero() {
		return h.ID
	}
	return h.TransactionID
}

// searchPage is the upstream list envelope; some deployments answer with
// "items" instead of "data".
type searchPage struct {
	Data  []json.RawMessage `json:"data"`
	Items []json.RawMessage `json:"items"`
}

func (p searchPage) records() []json.RawMessage {
	if len(p.Data) > 0 {
		return p.Data
	}
	return p.Items
}

type searchRequest struct {
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Node     string `json:"node,omitempty"`
}
