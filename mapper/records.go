package mapper

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WalkIn is the entity sentinel for a sale with no identified counterparty.
const WalkIn = "walk-in"

type InvoiceType string

const (
	TypeSale       InvoiceType = "sale"
	TypeCreditNote InvoiceType = "credit_note"
	TypeDebitNote  InvoiceType = "debit_note"
	TypeTransfer   InvoiceType = "transfer"
)

const (
	PaymentWallet   = "digital_wallet"
	PaymentCard     = "card"
	PaymentOnCredit = "on_credit"
	PaymentCash     = "cash"
)

// LineItemRecord is one sold product line.
type LineItemRecord struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Date          time.Time       `json:"date"`
	ProductName   string          `json:"productName"`
	Barcode       string          `json:"barcode"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Branch        string          `json:"branch"`
	Entity        string          `json:"entity"`
}

// MergeKey is invoice number, item identity and amount. Two lines of the
// same product at the same amount on one invoice share a key.
func (r LineItemRecord) MergeKey() string {
	return LineItemKey(r.InvoiceNumber, r.Barcode, r.ProductName, r.TotalAmount)
}

func LineItemKey(invoiceNumber, barcode, productName string, total decimal.Decimal) string {
	identity := strings.TrimSpace(barcode)
	if identity == "" {
		identity = Fold(productName)
	}
	return NormalizeNumber(invoiceNumber) + "|" + identity + "|" + total.StringFixed(2)
}

// InvoiceHeaderRecord is the accounting view of one document.
type InvoiceHeaderRecord struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Date          time.Time       `json:"date"`
	Type          InvoiceType     `json:"type"`
	Branch        string          `json:"branch"`
	Seller        string          `json:"seller"`
	Client        string          `json:"client"`
	Entity        string          `json:"entity"`
	PaymentType   string          `json:"paymentType"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	GrossAmount   decimal.Decimal `json:"grossAmount"`
	Discount      decimal.Decimal `json:"discount"`
}

func (r InvoiceHeaderRecord) MergeKey() string {
	return InvoiceHeaderKey(r.Type, r.InvoiceNumber)
}

func InvoiceHeaderKey(t InvoiceType, invoiceNumber string) string {
	if t == "" {
		t = TypeSale
	}
	return string(t) + "|" + NormalizeNumber(invoiceNumber)
}

// TimeCorrection is a secondary source of document times, keyed by number.
type TimeCorrection struct {
	InvoiceNumber string    `json:"invoiceNumber"`
	Date          time.Time `json:"date"`
}

func (r TimeCorrection) MergeKey() string {
	return NormalizeNumber(r.InvoiceNumber)
}

// Rekey recomputes stored ids from fields; caller-supplied ids are not trusted.
func Rekey(items []LineItemRecord) {
	for i := range items {
		items[i].ID = items[i].MergeKey()
	}
}

func RekeyHeaders(headers []InvoiceHeaderRecord) {
	for i := range headers {
		if headers[i].Type == "" {
			headers[i].Type = TypeSale
		}
		headers[i].ID = headers[i].MergeKey()
	}
}
