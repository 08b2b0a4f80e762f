package housekeeping

import (
	"context"
	"fmt"
	"io"

	"turnover/internal/models"

	"github.com/xuri/excelize/v2"
)

const auditSheet = "Missing tasks"

var auditHeaders = []string{"Booking", "External ID", "Listing", "Guest", "Check-in", "Check-out", "Nights"}

// ExportAudit writes the current audit as an xlsx workbook.
func (m *Materializer) ExportAudit(ctx context.Context, w io.Writer) (*models.MissingTasksReport, error) {
	report, err := m.AuditMissingTasks(ctx)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(auditSheet)
	if err != nil {
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(auditSheet, "A1", fmt.Sprintf("Generated %s: %d of %d active bookings have no tasks",
		report.GeneratedAt.Format("2006-01-02 15:04"), report.MissingCount, report.BookingsScanned))
	_ = f.MergeCell(auditSheet, "A1", "G1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 14},
	})
	_ = f.SetCellStyle(auditSheet, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range auditHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(auditSheet, cell, h)
		_ = f.SetCellStyle(auditSheet, cell, cell, headerStyle)
	}

	for r, item := range report.Items {
		row := r + 3
		values := []any{
			item.BookingID,
			item.ExternalID,
			item.ListingID,
			item.GuestName,
			item.CheckIn.Format(models.DateLayout),
			item.CheckOut.Format(models.DateLayout),
			item.StayNights,
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, row)
			_ = f.SetCellValue(auditSheet, cell, v)
		}
	}

	_ = f.SetColWidth(auditSheet, "A", "B", 38)
	_ = f.SetColWidth(auditSheet, "C", "D", 22)
	_ = f.SetColWidth(auditSheet, "E", "G", 12)

	if err := f.Write(w); err != nil {
		return nil, fmt.Errorf("error writing workbook: %w", err)
	}
	return report, nil
}
