package reports

import (
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/soporte-collab/informes-sub003/reconcile"
	"github.com/xuri/excelize/v2"
)

const (
	salesSheet   = "Sales"
	summarySheet = "Summary"

	// #,##0.00
	amountNumFmt = 4

	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ExcelExporter is one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

var salesHeadings = []string{
	"Date", "InvoiceNumber", "Branch", "ProductName", "Barcode", "Quantity",
	"UnitPrice", "TotalAmount", "Entity", "PaymentType", "Matched", "DateSource",
}

type saleRow reconcile.EnrichedSaleRecord

func (r saleRow) GetCellValues() []interface{} {
	var date interface{}
	if !r.Date.IsZero() {
		date = r.Date.Format("2006-01-02 15:04:05")
	}
	return []interface{}{
		date,
		r.InvoiceNumber,
		r.Branch,
		r.ProductName,
		r.Barcode,
		r.Quantity,
		r.UnitPrice,
		r.TotalAmount,
		r.Entity,
		r.PaymentType,
		r.Matched,
		r.DateSource,
	}
}

// EnrichedSalesWorkbook renders the enriched view on one sheet and the
// reconciliation summary on another.
func EnrichedSalesWorkbook(records []reconcile.EnrichedSaleRecord, summary reconcile.Summary) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", salesSheet); err != nil {
		f.Close()
		return nil, err
	}

	rows := make([]ExcelExporter, len(records))
	for i, r := range records {
		rows[i] = saleRow(r)
	}
	if err := writeSheet(f, salesSheet, rows, salesHeadings...); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, err
	}
	summaryRows := [][]interface{}{
		{"Total", summary.Total},
		{"Matched", summary.Matched},
		{"Corrected", summary.Corrected},
		{"Unmatched", summary.Unmatched},
	}
	for i, row := range summaryRows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func writeSheet(f *excelize.File, sheet string, data []ExcelExporter, headings ...string) error {
	header := make([]interface{}, len(headings))
	for i, h := range headings {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: amountNumFmt})
	if err != nil {
		return err
	}
	for i, d := range data {
		for j, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return err
			}
			amount, ok := value.(decimal.Decimal)
			if !ok {
				if err := f.SetCellValue(sheet, cell, value); err != nil {
					return err
				}
				continue
			}
			// Untyped cell with the decimal text keeps every digit and still
			// reads as a number.
			if err := f.SetCellDefault(sheet, cell, amount.String()); err != nil {
				return err
			}
			if err := f.SetCellStyle(sheet, cell, cell, amountStyle); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteEnrichedSales streams the workbook to w.
func WriteEnrichedSales(w io.Writer, records []reconcile.EnrichedSaleRecord, summary reconcile.Summary) error {
	f, err := EnrichedSalesWorkbook(records, summary)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// ExportEnrichedSales answers an HTTP request with the workbook as an attachment.
func ExportEnrichedSales(w http.ResponseWriter, filename string, records []reconcile.EnrichedSaleRecord, summary reconcile.Summary) {
	f, err := EnrichedSalesWorkbook(records, summary)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", ContentTypeXLSX)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := f.Write(w); err != nil {
		http.Error(w, "Failed to write file", http.StatusInternalServerError)
	}
}
