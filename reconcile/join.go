package reconcile

import (
	"time"

	"github.com/soporte-collab/informes-sub003/mapper"
)

const (
	DateSourceLineItem   = "line_item"
	DateSourceInvoice    = "invoice"
	DateSourceCorrection = "correction"
)

// EnrichedSaleRecord is a line item overlaid with what its invoice header
// knows. It is computed on read and never stored.
type EnrichedSaleRecord struct {
	mapper.LineItemRecord
	PaymentType      string `json:"paymentType"`
	Matched          bool   `json:"matched"`
	MatchedInvoiceID string `json:"matchedInvoiceId,omitempty"`
	DateSource       string `json:"dateSource"`
}

type Summary struct {
	Total     int `json:"total"`
	Matched   int `json:"matched"`
	Corrected int `json:"corrected"`
	Unmatched int `json:"unmatched"`
}

// IsPlaceholderTime reports whether t carries no real time of day: the zero
// time, exactly noon (the upstream default) or exactly midnight (date-only
// sources).
func IsPlaceholderTime(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	if t.Nanosecond() != 0 || t.Second() != 0 || t.Minute() != 0 {
		return false
	}
	return t.Hour() == 12 || t.Hour() == 0
}

// Index maps every key variant to its best header.
type Index map[string]mapper.InvoiceHeaderRecord

// BuildIndex is independent of header order: a real time beats a
// placeholder, then the later time wins, then the greater id.
func BuildIndex(headers []mapper.InvoiceHeaderRecord) Index {
	idx := make(Index, len(headers)*4)
	for _, h := range headers {
		for _, v := range KeyVariants(h.InvoiceNumber) {
			cur, ok := idx[v]
			if !ok || betterHeader(h, cur) {
				idx[v] = h
			}
		}
	}
	return idx
}

func betterHeader(a, b mapper.InvoiceHeaderRecord) bool {
	aReal, bReal := !IsPlaceholderTime(a.Date), !IsPlaceholderTime(b.Date)
	if aReal != bReal {
		return aReal
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.ID > b.ID
}

// Lookup probes the variants of number in order; the first hit wins.
func (idx Index) Lookup(number string) (mapper.InvoiceHeaderRecord, bool) {
	for _, v := range KeyVariants(number) {
		if h, ok := idx[v]; ok {
			return h, true
		}
	}
	return mapper.InvoiceHeaderRecord{}, false
}

type correctionIndex map[string]mapper.TimeCorrection

func buildCorrectionIndex(corrections []mapper.TimeCorrection) correctionIndex {
	idx := make(correctionIndex, len(corrections)*4)
	for _, c := range corrections {
		if c.Date.IsZero() {
			continue
		}
		for _, v := range KeyVariants(c.InvoiceNumber) {
			cur, ok := idx[v]
			if !ok || betterCorrection(c, cur) {
				idx[v] = c
			}
		}
	}
	return idx
}

func betterCorrection(a, b mapper.TimeCorrection) bool {
	aReal, bReal := !IsPlaceholderTime(a.Date), !IsPlaceholderTime(b.Date)
	if aReal != bReal {
		return aReal
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.InvoiceNumber > b.InvoiceNumber
}

func (idx correctionIndex) lookup(number string) (mapper.TimeCorrection, bool) {
	for _, v := range KeyVariants(number) {
		if c, ok := idx[v]; ok {
			return c, true
		}
	}
	return mapper.TimeCorrection{}, false
}

// Enrich joins line items to invoice headers. Output order follows
// lineItems; the inputs are not modified.
//
// On a match the header's payment type always applies, its entity only
// when it is a real counterparty (walk-in only fills an empty entity), and
// its date unless the header time is a placeholder and the line item
// already has a real one. Without a match a time correction may fill a
// missing or placeholder time and nothing else.
func Enrich(lineItems []mapper.LineItemRecord, headers []mapper.InvoiceHeaderRecord, corrections []mapper.TimeCorrection) ([]EnrichedSaleRecord, Summary) {
	idx := BuildIndex(headers)
	cidx := buildCorrectionIndex(corrections)

	out := make([]EnrichedSaleRecord, len(lineItems))
	sum := Summary{Total: len(lineItems)}
	for i, li := range lineItems {
		rec := EnrichedSaleRecord{LineItemRecord: li, DateSource: DateSourceLineItem}

		if h, ok := idx.Lookup(li.InvoiceNumber); ok {
			rec.Matched = true
			rec.MatchedInvoiceID = h.ID
			rec.PaymentType = h.PaymentType

			if !mapper.IsWalkIn(h.Entity) {
				rec.Entity = h.Entity
			} else if rec.Entity == "" {
				rec.Entity = mapper.WalkIn
			}

			keepOwn := IsPlaceholderTime(h.Date) && !IsPlaceholderTime(li.Date)
			if !keepOwn && !h.Date.IsZero() {
				rec.Date = h.Date
				rec.DateSource = DateSourceInvoice
			}
			sum.Matched++
		} else {
			if IsPlaceholderTime(li.Date) {
				if c, ok := cidx.lookup(li.InvoiceNumber); ok {
					rec.Date = c.Date
					rec.DateSource = DateSourceCorrection
					sum.Corrected++
				}
			}
			sum.Unmatched++
		}
		out[i] = rec
	}
	return out, sum
}
