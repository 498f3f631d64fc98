// Package report renders audit sessions as spreadsheets.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/erazemk/popis/internal/model"
)

// Sheet names.
const (
	SummarySheet = "Summary"
	ItemsSheet   = "Items"
)

var itemHeaders = []string{
	"Product", "Lot", "Counted", "Nonconforming", "Usable", "Expiry",
	"System qty", "Physical qty", "Discrepancy", "Notes", "Recorded at",
}

// WriteSessionWorkbook writes an .xlsx with a summary sheet and one row per
// counted lot.
func WriteSessionWorkbook(w io.Writer, session *model.AuditSession, items []model.ReconciledItem) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("renaming sheet: %w", err)
	}
	if _, err := f.NewSheet(ItemsSheet); err != nil {
		return fmt.Errorf("creating items sheet: %w", err)
	}

	closedAt := ""
	if session.ClosedAt != nil {
		closedAt = session.ClosedAt.Format(time.RFC3339)
	}
	summary := [][2]any{
		{"Code", session.Code},
		{"Name", session.Name},
		{"Location", session.LocationCode},
		{"State", session.State},
		{"Opened", session.CreatedAt.Format(time.RFC3339)},
		{"Closed", closedAt},
		{"Items", session.ItemsTotal},
		{"Discrepancies", session.Discrepancies},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(SummarySheet, fmt.Sprintf("A%d", i+1), &[]any{row[0], row[1]}); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating style: %w", err)
	}
	header := make([]any, len(itemHeaders))
	for i, h := range itemHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(ItemsSheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := f.SetRowStyle(ItemsSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	row := 2
	for _, item := range items {
		for _, lot := range item.Lots {
			values := []any{
				item.ProductCode, lot.LotNumber, lot.CountedQuantity, lot.NonconformingQuantity,
				lot.RealQuantity(), lot.ExpiryDate, item.SystemQuantity, item.PhysicalQuantity,
				item.DiscrepancyType, item.Notes, item.RecordedAt.Format(time.RFC3339),
			}
			if err := f.SetSheetRow(ItemsSheet, fmt.Sprintf("A%d", row), &values); err != nil {
				return fmt.Errorf("writing item %d: %w", item.ID, err)
			}
			row++
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// Filename is the download name of a session's workbook.
func Filename(session *model.AuditSession) string {
	return fmt.Sprintf("audit-%s.xlsx", session.Code)
}
