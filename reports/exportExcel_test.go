package reports

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/soporte-collab/informes-sub003/mapper"
	"github.com/soporte-collab/informes-sub003/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleRecords() []reconcile.EnrichedSaleRecord {
	li := mapper.LineItemRecord{
		InvoiceNumber: "0001-00000042",
		Date:          time.Date(2024, 3, 5, 14, 32, 10, 0, time.UTC),
		ProductName:   "Amoxicilina 500",
		Barcode:       "7790001",
		Quantity:      decimal.NewFromInt(2),
		UnitPrice:     decimal.RequireFromString("1250.50"),
		TotalAmount:   decimal.RequireFromString("2501.00"),
		Branch:        "centro",
		Entity:        "OSDE",
	}
	li.ID = li.MergeKey()
	return []reconcile.EnrichedSaleRecord{
		{LineItemRecord: li, PaymentType: mapper.PaymentCard, Matched: true, MatchedInvoiceID: "sale|0001-00000042", DateSource: reconcile.DateSourceInvoice},
		{LineItemRecord: mapper.LineItemRecord{InvoiceNumber: "X-1", ProductName: "Gasa"}, DateSource: reconcile.DateSourceLineItem},
	}
}

func TestWriteEnrichedSales(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEnrichedSales(&buf, sampleRecords(), reconcile.Summary{Total: 2, Matched: 1, Unmatched: 1}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(salesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, salesHeadings, rows[0])
	assert.Equal(t, "2024-03-05 14:32:10", rows[1][0])
	assert.Equal(t, "0001-00000042", rows[1][1])
	assert.Equal(t, "2,501.00", rows[1][7])
	assert.Equal(t, "card", rows[1][9])
	assert.Equal(t, "TRUE", rows[1][10])
	assert.Equal(t, "", rows[2][0])

	total, err := f.GetCellValue(summarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "2", total)
	unmatched, err := f.GetCellValue(summarySheet, "B4")
	require.NoError(t, err)
	assert.Equal(t, "1", unmatched)
}

func TestExportEnrichedSales_Headers(t *testing.T) {
	rec := httptest.NewRecorder()
	ExportEnrichedSales(rec, "sales.xlsx", sampleRecords(), reconcile.Summary{Total: 2})
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, ContentTypeXLSX, rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=sales.xlsx", rec.Header().Get("Content-Disposition"))
	assert.NotZero(t, rec.Body.Len())
}

func TestWriteEnrichedSales_AmountsKeepEveryDigit(t *testing.T) {
	records := sampleRecords()[:1]
	records[0].Quantity = decimal.RequireFromString("0.333")
	records[0].UnitPrice = decimal.RequireFromString("0.1").Add(decimal.RequireFromString("0.2"))
	records[0].TotalAmount = decimal.RequireFromString("98765432109876.54")

	var buf bytes.Buffer
	require.NoError(t, WriteEnrichedSales(&buf, records, reconcile.Summary{Total: 1}))
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	raw := excelize.Options{RawCellValue: true}
	for cell, want := range map[string]string{"F2": "0.333", "G2": "0.3", "H2": "98765432109876.54"} {
		got, err := f.GetCellValue(salesSheet, cell, raw)
		require.NoError(t, err)
		assert.Equal(t, want, got, cell)

		typ, err := f.GetCellType(salesSheet, cell)
		require.NoError(t, err)
		assert.NotEqual(t, excelize.CellTypeSharedString, typ, cell)
		assert.NotEqual(t, excelize.CellTypeInlineString, typ, cell)
	}
}
