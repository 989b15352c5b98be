package mapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/soporte-collab/informes-sub003/fetcher"
)

// rawTransaction is the upstream search item.
type rawTransaction struct {
	ID             fetcher.RecordID `json:"id"`
	TransactionID  fetcher.RecordID `json:"transactionId"`
	InvoiceNumber  string           `json:"invoiceNumber"`
	DocumentType   string           `json:"documentType"`
	Date           string           `json:"date"`
	Branch         string           `json:"branch"`
	Seller         string           `json:"seller"`
	Client         string           `json:"client"`
	GroupingEntity string           `json:"groupingEntity"`
	InsurancePlan  string           `json:"insurancePlan"`
	NetAmount      amount           `json:"netAmount"`
	GrossAmount    amount           `json:"grossAmount"`
	Discount       amount           `json:"discount"`
	Items          []rawItem        `json:"items"`
	Payments       []rawPayment     `json:"payments"`
}

type rawItem struct {
	ProductName string `json:"productName"`
	Description string `json:"description"`
	Barcode     string `json:"barcode"`
	Quantity    amount `json:"quantity"`
	UnitPrice   amount `json:"unitPrice"`
	Total       amount `json:"total"`
}

// rawPayment is a payment or agreement (insurance coverage) line.
type rawPayment struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Entity string `json:"entity"`
	Amount amount `json:"amount"`
}

// amount accepts a JSON number, a numeric string, "" or null.
type amount struct {
	Value decimal.Decimal
	Set   bool
}

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		// Locale formatted "1234,50".
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("amount %s: %w", string(b), err)
	}
	a.Value, a.Set = d, true
	return nil
}

var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05-0700",
		"2006-01-02 15:04:05-07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
		"02/01/2006 15:04:05",
		"02/01/2006 15:04",
		"02/01/2006",
	}
)

var ErrMissingID = errors.New("record has no transaction id")

// Mapper converts raw upstream transactions into canonical records, with
// every timestamp expressed in one fixed offset.
type Mapper struct {
	loc *time.Location
}

func New(loc *time.Location) *Mapper {
	if loc == nil {
		loc = time.UTC
	}
	return &Mapper{loc: loc}
}

// ParseTime reads the upstream timestamp formats. Values without an offset
// are taken to be in the mapper's zone. Empty input is the zero time.
func (m *Mapper) ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.In(m.loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, m.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

type transaction struct {
	raw           rawTransaction
	id            string
	invoiceNumber string
	date          time.Time
	branch        string
	entity        string
}

func (m *Mapper) decode(rec fetcher.RawRecord) (transaction, error) {
	var tx transaction
	if err := json.Unmarshal(rec.Body, &tx.raw); err != nil {
		return tx, fmt.Errorf("decode transaction %s: %w", rec.ID, err)
	}
	tx.id = rec.ID.String()
	if tx.id == "" {
		tx.id = tx.raw.ID.String()
	}
	if tx.id == "" {
		tx.id = tx.raw.TransactionID.String()
	}
	if tx.id == "" {
		return tx, ErrMissingID
	}

	date, err := m.ParseTime(tx.raw.Date)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.id, err)
	}
	tx.date = date

	tx.invoiceNumber = strings.TrimSpace(tx.raw.InvoiceNumber)
	if tx.invoiceNumber == "" {
		tx.invoiceNumber = "TX-" + tx.id
	}
	tx.branch = strings.TrimSpace(tx.raw.Branch)
	if tx.branch == "" {
		tx.branch = rec.Node
	}
	tx.entity = resolveEntity(tx.raw)
	return tx, nil
}

// resolveEntity walks grouping entity, insurance plan, then the first
// payment/agreement line naming an entity. Walk-in labels do not stop the
// chain.
func resolveEntity(raw rawTransaction) string {
	candidates := []string{raw.GroupingEntity, raw.InsurancePlan}
	for _, p := range raw.Payments {
		candidates = append(candidates, p.Entity)
	}
	for _, c := range candidates {
		if !IsWalkIn(c) {
			return NormalizeEntity(c)
		}
	}
	return WalkIn
}

// resolvePayment applies wallet > card > on credit > other named line > cash
// across all payment lines.
func resolvePayment(payments []rawPayment) string {
	classes := make([]string, len(payments))
	for i, p := range payments {
		classes[i] = paymentClass(strings.TrimSpace(p.Type + " " + p.Name))
	}
	for _, want := range []string{PaymentWallet, PaymentCard, PaymentOnCredit} {
		for _, c := range classes {
			if c == want {
				return want
			}
		}
	}
	for i, c := range classes {
		if c == "other" {
			name := Fold(payments[i].Name)
			if name == "" {
				name = Fold(payments[i].Type)
			}
			return strings.ReplaceAll(name, " ", "_")
		}
	}
	return PaymentCash
}

// MapLineItems emits one record per product line of the transaction.
func (m *Mapper) MapLineItems(rec fetcher.RawRecord) ([]LineItemRecord, error) {
	tx, err := m.decode(rec)
	if err != nil {
		return nil, err
	}
	return m.lineItems(tx), nil
}

func (m *Mapper) lineItems(tx transaction) []LineItemRecord {
	out := make([]LineItemRecord, 0, len(tx.raw.Items))
	for _, it := range tx.raw.Items {
		name := strings.TrimSpace(it.ProductName)
		if name == "" {
			name = strings.TrimSpace(it.Description)
		}
		qty := it.Quantity.Value
		if !it.Quantity.Set || qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		unit := it.UnitPrice.Value
		total := it.Total.Value
		if !it.Total.Set {
			total = qty.Mul(unit)
		}
		if !it.UnitPrice.Set && it.Total.Set {
			unit = total.Div(qty)
		}
		li := LineItemRecord{
			TransactionID: tx.id,
			InvoiceNumber: tx.invoiceNumber,
			Date:          tx.date,
			ProductName:   name,
			Barcode:       strings.TrimSpace(it.Barcode),
			Quantity:      qty,
			UnitPrice:     unit,
			TotalAmount:   total,
			Branch:        tx.branch,
			Entity:        tx.entity,
		}
		li.ID = li.MergeKey()
		out = append(out, li)
	}
	return out
}

// MapInvoiceHeader emits the accounting header of the transaction.
func (m *Mapper) MapInvoiceHeader(rec fetcher.RawRecord) (InvoiceHeaderRecord, error) {
	tx, err := m.decode(rec)
	if err != nil {
		return InvoiceHeaderRecord{}, err
	}
	return m.header(tx), nil
}

func (m *Mapper) header(tx transaction) InvoiceHeaderRecord {
	gross := tx.raw.GrossAmount.Value
	if !tx.raw.GrossAmount.Set {
		gross = decimal.Zero
		for _, li := range m.lineItems(tx) {
			gross = gross.Add(li.TotalAmount)
		}
	}
	discount := tx.raw.Discount.Value
	net := tx.raw.NetAmount.Value
	if !tx.raw.NetAmount.Set {
		net = gross.Sub(discount)
	}
	h := InvoiceHeaderRecord{
		TransactionID: tx.id,
		InvoiceNumber: tx.invoiceNumber,
		Date:          tx.date,
		Type:          NormalizeInvoiceType(tx.raw.DocumentType),
		Branch:        tx.branch,
		Seller:        strings.TrimSpace(tx.raw.Seller),
		Client:        strings.TrimSpace(tx.raw.Client),
		Entity:        tx.entity,
		PaymentType:   resolvePayment(tx.raw.Payments),
		NetAmount:     net,
		GrossAmount:   gross,
		Discount:      discount,
	}
	h.ID = h.MergeKey()
	return h
}

// MappingError reports one raw record that could not be mapped.
type MappingError struct {
	RecordID string `json:"recordId"`
	Node     string `json:"node"`
	Message  string `json:"message"`
}

type Batch struct {
	LineItems []LineItemRecord      `json:"lineItems"`
	Headers   []InvoiceHeaderRecord `json:"headers"`
	Errors    []MappingError        `json:"errors"`
}

// MapAll maps every record; bad records are reported and skipped.
func (m *Mapper) MapAll(raws []fetcher.RawRecord) Batch {
	var b Batch
	for _, rec := range raws {
		tx, err := m.decode(rec)
		if err != nil {
			b.Errors = append(b.Errors, MappingError{RecordID: rec.ID.String(), Node: rec.Node, Message: err.Error()})
			continue
		}
		b.LineItems = append(b.LineItems, m.lineItems(tx)...)
		b.Headers = append(b.Headers, m.header(tx))
	}
	return b
}
