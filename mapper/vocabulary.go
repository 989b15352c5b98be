package mapper

import "strings"

var (
	creditNotePhrases = []string{"nota de credito", "nota credito", "credit note", "creditnote", "credit memo"}
	creditNoteWords   = []string{"nc", "ncr", "cn"}
	debitNotePhrases  = []string{"nota de debito", "nota debito", "debit note", "debitnote", "debit memo"}
	debitNoteWords    = []string{"nd", "ndb", "dn"}
	transferPhrases   = []string{"transfer", "traspaso", "remito", "movimiento interno"}

	walkInLabels = map[string]bool{
		"walk-in":          true,
		"walk in":          true,
		"walkin":           true,
		"consumidor final": true,
		"cliente final":    true,
		"particular":       true,
		"mostrador":        true,
		"cash customer":    true,
		"sin cliente":      true,
		"-":                true,
	}

	walletPhrases   = []string{"mercado pago", "mercadopago", "billetera", "wallet", "cuenta dni", "paypal", "apple pay", "google pay", "qr"}
	walletWords     = []string{"modo", "mp"}
	cardPhrases     = []string{"tarjeta", "card", "visa", "mastercard", "american express", "maestro", "cabal", "naranja", "posnet"}
	cardWords       = []string{"amex", "debito", "credito", "tc", "td"}
	onCreditPhrases = []string{"cuenta corriente", "cta cte", "ctacte", "cta. cte", "on account", "on credit", "running account", "fiado"}
	cashPhrases     = []string{"efectivo", "cash", "contado"}
)

// NormalizeInvoiceType maps a free-text document label onto the closed
// vocabulary; anything unrecognized is a sale.
func NormalizeInvoiceType(label string) InvoiceType {
	f := Fold(label)
	switch {
	case f == "":
		return TypeSale
	case f == string(TypeCreditNote) || containsAny(f, creditNotePhrases...) || containsWord(f, creditNoteWords...):
		return TypeCreditNote
	case f == string(TypeDebitNote) || containsAny(f, debitNotePhrases...) || containsWord(f, debitNoteWords...):
		return TypeDebitNote
	case containsAny(f, transferPhrases...):
		return TypeTransfer
	}
	return TypeSale
}

// IsWalkIn reports whether an entity label means "no counterparty".
func IsWalkIn(entity string) bool {
	f := Fold(entity)
	return f == "" || walkInLabels[f]
}

// NormalizeEntity trims and collapses whitespace; walk-in labels become the sentinel.
func NormalizeEntity(entity string) string {
	if IsWalkIn(entity) {
		return WalkIn
	}
	return strings.Join(strings.Fields(entity), " ")
}

func paymentClass(label string) string {
	f := Fold(label)
	switch {
	case f == "":
		return ""
	case containsAny(f, walletPhrases...) || containsWord(f, walletWords...):
		return PaymentWallet
	case containsAny(f, cardPhrases...) || containsWord(f, cardWords...):
		return PaymentCard
	case containsAny(f, onCreditPhrases...):
		return PaymentOnCredit
	case containsAny(f, cashPhrases...):
		return PaymentCash
	}
	return "other"
}
