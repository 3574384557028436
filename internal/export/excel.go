// Package export renders queue snapshots as spreadsheets.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fieldsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	queueSheet   = "Queue"
	summarySheet = "Summary"
	timeLayout   = "2006-01-02 15:04:05"
)

var queueHeaders = []string{
	"ID", "Type", "Target", "Status", "Retries", "Max retries",
	"Enqueued at", "Next retry at", "Last error", "Payload",
}

var statusColors = map[models.ActionStatus]string{
	models.StatusPending: "#FFF2CC",
	models.StatusSyncing: "#DDEBF7",
	models.StatusFailed:  "#F8CBAD",
}

// WriteQueue writes state as an xlsx workbook to w.
func WriteQueue(w io.Writer, state models.SyncState, generatedAt time.Time) error {
	f, err := buildWorkbook(state, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SaveQueue writes state into dir and returns the file path.
func SaveQueue(dir string, state models.SyncState, generatedAt time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	f, err := buildWorkbook(state, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, fmt.Sprintf("queue_%s.xlsx", generatedAt.Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

func buildWorkbook(state models.SyncState, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(queueSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeActions(f, state.Actions); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, state, generatedAt); err != nil {
		f.Close()
		return nil, err
	}

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func writeActions(f *excelize.File, actions []models.QueuedAction) error {
	header, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range queueHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(queueSheet, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		_ = f.SetCellStyle(queueSheet, cell, cell, header)
	}

	styles := make(map[models.ActionStatus]int, len(statusColors))
	for status, color := range statusColors {
		styles[status], _ = f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
	}

	for i, a := range actions {
		row := i + 2
		next := ""
		if a.NextRetryAt != nil {
			next = a.NextRetryAt.Format(timeLayout)
		}
		values := []any{
			a.ID, string(a.Type), a.TargetID, string(a.Status),
			a.RetryCount, a.MaxRetries,
			a.EnqueuedAt.Format(timeLayout), next, a.LastError, string(a.Payload),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(queueSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		if style, ok := styles[a.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(4, row)
			_ = f.SetCellStyle(queueSheet, statusCell, statusCell, style)
		}
	}

	_ = f.SetColWidth(queueSheet, "A", "A", 38)
	_ = f.SetColWidth(queueSheet, "B", "D", 16)
	_ = f.SetColWidth(queueSheet, "G", "H", 20)
	_ = f.SetColWidth(queueSheet, "I", "J", 40)
	_ = f.SetPanes(queueSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	return nil
}

func writeSummary(f *excelize.File, state models.SyncState, generatedAt time.Time) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	lastSync := "never"
	if state.LastSyncAt != nil {
		lastSync = state.LastSyncAt.Format(timeLayout)
	}
	rows := [][]any{
		{"Generated at", generatedAt.Format(timeLayout)},
		{"Total", state.Count},
		{"Pending", state.PendingCount},
		{"Syncing", state.SyncingCount},
		{"Failed", state.FailedCount},
		{"Online", state.IsOnline},
		{"Last sync", lastSync},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &r); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	bold, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	_ = f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(rows)), bold)
	_ = f.SetColWidth(summarySheet, "A", "B", 22)
	return nil
}
