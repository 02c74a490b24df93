// Package report keeps a daily Excel workbook of finished runs.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

const (
	sheetName  = "Runs"
	timeLayout = "2006-01-02 15:04:05"
)

// fixed columns before the per-stage timings
var baseHeaders = []string{
	"Run ID", "File", "Order", "Status", "Started", "Finished",
	"Duration (s)", "Retries", "Uploaded", "Error",
}

// ExcelReporter appends one row per finished run to runs-<date>.xlsx
type ExcelReporter struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// NewExcelReporter creates a reporter writing into dir
func NewExcelReporter(dir string, logger *zap.Logger) (*ExcelReporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &ExcelReporter{dir: dir, now: time.Now, logger: logger}, nil
}

// PathFor returns the workbook path of a given day
func (r *ExcelReporter) PathFor(day time.Time) string {
	return filepath.Join(r.dir, fmt.Sprintf("runs-%s.xlsx", day.Format("2006-01-02")))
}

// Append writes the run as the next row of today's workbook
func (r *ExcelReporter) Append(ctx context.Context, run *entity.RunRecord, stages map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.PathFor(r.now())
	file, err := r.open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	rows, err := file.GetRows(sheetName)
	if err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	row := len(rows) + 1

	if err := r.writeRow(file, row, rowValues(run, stages)); err != nil {
		return err
	}
	if err := file.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	r.logger.Debug("Run appended to report",
		zap.String("run_id", run.ID),
		zap.String("path", path),
		zap.Int("row", row))
	return nil
}

// open loads the workbook, creating it with a header row on first use
func (r *ExcelReporter) open(path string) (*excelize.File, error) {
	file, err := excelize.OpenFile(path)
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}

	file = excelize.NewFile()
	if err := file.SetSheetName("Sheet1", sheetName); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := r.writeRow(file, 1, headers()); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		r.logger.Warn("Failed to freeze report header", zap.Error(err))
	}
	return file, nil
}

func (r *ExcelReporter) writeRow(file *excelize.File, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("invalid row %d: %w", row, err)
	}
	if err := file.SetSheetRow(sheetName, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", row, err)
	}
	return nil
}

func headers() []interface{} {
	out := make([]interface{}, 0, len(baseHeaders)+len(workflow.WorkingStates))
	for _, h := range baseHeaders {
		out = append(out, h)
	}
	for _, st := range workflow.WorkingStates {
		out = append(out, st.String())
	}
	return out
}

func rowValues(run *entity.RunRecord, stages map[string]float64) []interface{} {
	finished := ""
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(timeLayout)
	}
	out := []interface{}{
		run.ID,
		run.File,
		run.OrderNumber,
		run.Status,
		run.StartedAt.Format(timeLayout),
		finished,
		round2(run.DurationSec),
		run.RetryCount,
		run.Uploaded,
		run.Error,
	}
	for _, st := range workflow.WorkingStates {
		if sec, ok := stages[st.String()]; ok {
			out = append(out, round2(sec))
		} else {
			out = append(out, nil)
		}
	}
	return out
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

var _ port.RunReporter = (*ExcelReporter)(nil)
