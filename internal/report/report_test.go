package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/erazemk/popis/internal/model"
)

func TestWriteSessionWorkbook(t *testing.T) {
	session := &model.AuditSession{
		ID:            1,
		Code:          "AUD-X1",
		Name:          "Spring count",
		State:         model.AuditStateClosed,
		LocationCode:  "WH1",
		ItemsTotal:    2,
		Discrepancies: 1,
		CreatedAt:     time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	items := []model.ReconciledItem{
		{
			ID:          1,
			ProductCode: "P1",
			Lots: []model.LotEntry{
				{LotNumber: "A1", CountedQuantity: 100, ExpiryDate: "2025-01-01"},
				{LotNumber: "A2", CountedQuantity: 50},
			},
			SystemQuantity:   150,
			PhysicalQuantity: 150,
			DiscrepancyType:  model.DiscrepancyMatches,
		},
		{
			ID:               2,
			ProductCode:      "P2",
			Lots:             []model.LotEntry{{LotNumber: "B1", CountedQuantity: 80, NonconformingQuantity: 10}},
			SystemQuantity:   90,
			PhysicalQuantity: 80,
			DiscrepancyType:  model.DiscrepancyShortage,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSessionWorkbook(&buf, session, items))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet, ItemsSheet}, f.GetSheetList())

	code, err := f.GetCellValue(SummarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "AUD-X1", code)

	rows, err := f.GetRows(ItemsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Product", rows[0][0])
	assert.Equal(t, []string{"P1", "A1", "100", "0", "100", "2025-01-01"}, rows[1][:6])
	assert.Equal(t, "70", rows[3][4])
	assert.Equal(t, model.DiscrepancyShortage, rows[3][8])
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "audit-AUD-9.xlsx", Filename(&model.AuditSession{Code: "AUD-9"}))
}
