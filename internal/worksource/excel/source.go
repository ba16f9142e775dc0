// Package excel loads work items from spreadsheets laid out as one workbook
// per project folder and writes completion markers back into them.
package excel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
)

// Config describes the workbook layout. Columns and rows are 1-based.
type Config struct {
	RootDir           string
	PromptColumn      int
	StatusColumn      int
	AspectRatioColumn int
	StartRow          int
	DoneMarker        string
	RejectedMarker    string
}

// ExistsFunc reports whether the artifacts of an item were already written.
type ExistsFunc func(ctx context.Context, item farm.WorkItem) (bool, error)

// Source implements farm.WorkSource and farm.RejectionMarker over a
// directory of project folders.
type Source struct {
	cfg    Config
	exists ExistsFunc
	logger *zap.Logger

	// Serializes workbook writes.
	mu sync.Mutex
}

// New builds a Source. exists may be nil, which disables auto-marking rows
// whose artifacts are already stored.
func New(cfg Config, exists ExistsFunc, logger *zap.Logger) (*Source, error) {
	if strings.TrimSpace(cfg.RootDir) == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.PromptColumn <= 0 || cfg.StatusColumn <= 0 || cfg.StartRow <= 0 {
		return nil, fmt.Errorf("columns and start row are 1-based")
	}
	if cfg.DoneMarker == "" {
		return nil, fmt.Errorf("done marker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, exists: exists, logger: logger.Named("worksource")}, nil
}

// Workbook is one discovered project workbook.
type Workbook struct {
	Path string
	// Folder is the project folder name, used as the output directory.
	Folder string
}

// Workbooks lists the first workbook of every project folder in name order.
func (s *Source) Workbooks() ([]Workbook, error) {
	entries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("read root %s: %w", s.cfg.RootDir, err)
	}
	var out []Workbook
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.RootDir, entry.Name())
		files, err := workbookFiles(dir)
		if err != nil {
			s.logger.Warn("project folder unreadable", zap.String("folder", entry.Name()), zap.Error(err))
			continue
		}
		switch {
		case len(files) == 0:
			s.logger.Info("no workbook in project folder, skipping", zap.String("folder", entry.Name()))
			continue
		case len(files) > 1:
			s.logger.Warn("several workbooks in project folder, using the first",
				zap.String("folder", entry.Name()),
				zap.String("workbook", filepath.Base(files[0])),
			)
		}
		out = append(out, Workbook{Path: files[0], Folder: entry.Name()})
	}
	return out, nil
}

func workbookFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".xlsx", ".xlsm":
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ListPending returns every row that still needs work, in folder then row
// order. A prompt seen earlier in the run, in any workbook, is skipped. A
// workbook that cannot be parsed is logged and skipped.
func (s *Source) ListPending(ctx context.Context) ([]farm.WorkItem, error) {
	books, err := s.Workbooks()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var items []farm.WorkItem
	for _, book := range books {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		pending, err := s.scan(ctx, book, seen)
		if err != nil {
			parseErr := &farm.WorkSourceParseError{Path: book.Path, Err: err}
			s.logger.Error("workbook skipped", zap.Error(parseErr))
			continue
		}
		items = append(items, pending...)
	}
	return items, nil
}

func (s *Source) scan(ctx context.Context, book Workbook, seen map[string]struct{}) ([]farm.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := excelize.OpenFile(book.Path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			s.logger.Warn("close workbook", zap.String("path", book.Path), zap.Error(closeErr))
		}
	}()
	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	var (
		items    []farm.WorkItem
		backfill []int
		done     int
	)
	for i := s.cfg.StartRow - 1; i < len(rows); i++ {
		row := rows[i]
		prompt := cell(row, s.cfg.PromptColumn)
		if prompt == "" {
			continue
		}
		if _, dup := seen[prompt]; dup {
			continue
		}
		seen[prompt] = struct{}{}

		if s.marked(cell(row, s.cfg.StatusColumn)) {
			done++
			continue
		}
		rowNum := i + 1
		item := farm.WorkItem{
			Key:        farm.ItemKey{Source: book.Path, Row: rowNum},
			SourceName: book.Folder,
			DataRow:    rowNum - s.cfg.StartRow + 1,
			Prompt:     prompt,
			Status:     farm.ItemPending,
		}
		if s.cfg.AspectRatioColumn > 0 {
			item.AspectRatio = cell(row, s.cfg.AspectRatioColumn)
		}
		if s.exists != nil {
			ok, err := s.exists(ctx, item)
			if err != nil {
				s.logger.Warn("artifact check failed", zap.String("item_source", book.Path), zap.Int("row", rowNum), zap.Error(err))
			} else if ok {
				backfill = append(backfill, rowNum)
				done++
				continue
			}
		}
		items = append(items, item)
	}

	if len(backfill) > 0 {
		for _, rowNum := range backfill {
			if err := s.setStatus(f, sheet, rowNum, s.cfg.DoneMarker); err != nil {
				return nil, err
			}
		}
		if err := f.Save(); err != nil {
			return nil, fmt.Errorf("save backfilled markers: %w", err)
		}
		s.logger.Info("marked rows with existing artifacts done",
			zap.String("folder", book.Folder),
			zap.Int("rows", len(backfill)),
		)
	}
	s.logger.Info("workbook scanned",
		zap.String("folder", book.Folder),
		zap.Int("pending", len(items)),
		zap.Int("done", done),
	)
	return items, nil
}

// MarkDone writes the done marker into the item's status cell. Rows already
// marked are left untouched.
func (s *Source) MarkDone(_ context.Context, item farm.WorkItem) error {
	return s.mark(item, s.cfg.DoneMarker)
}

// MarkRejected writes the rejected marker so later runs skip the prompt.
func (s *Source) MarkRejected(_ context.Context, item farm.WorkItem) error {
	if s.cfg.RejectedMarker == "" {
		return nil
	}
	return s.mark(item, s.cfg.RejectedMarker)
}

func (s *Source) mark(item farm.WorkItem, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := excelize.OpenFile(item.Key.Source)
	if err != nil {
		return fmt.Errorf("open workbook %s: %w", item.Key.Source, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			s.logger.Warn("close workbook", zap.String("path", item.Key.Source), zap.Error(closeErr))
		}
	}()
	sheet := f.GetSheetName(0)
	ref, err := excelize.CoordinatesToCellName(s.cfg.StatusColumn, item.Key.Row)
	if err != nil {
		return fmt.Errorf("status cell: %w", err)
	}
	current, err := f.GetCellValue(sheet, ref)
	if err != nil {
		return fmt.Errorf("read %s: %w", ref, err)
	}
	if s.marked(current) {
		return nil
	}
	if err := s.setStatus(f, sheet, item.Key.Row, marker); err != nil {
		return err
	}
	if err := f.Save(); err != nil {
		return fmt.Errorf("save workbook %s: %w", item.Key.Source, err)
	}
	s.logger.Debug("row marked",
		zap.String("item_source", item.Key.Source),
		zap.Int("row", item.Key.Row),
		zap.String("marker", marker),
	)
	return nil
}

func (s *Source) setStatus(f *excelize.File, sheet string, row int, marker string) error {
	ref, err := excelize.CoordinatesToCellName(s.cfg.StatusColumn, row)
	if err != nil {
		return fmt.Errorf("status cell: %w", err)
	}
	if err := f.SetCellValue(sheet, ref, marker); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	return nil
}

func (s *Source) marked(status string) bool {
	status = strings.TrimSpace(status)
	if status == "" {
		return false
	}
	return status == s.cfg.DoneMarker || (s.cfg.RejectedMarker != "" && status == s.cfg.RejectedMarker)
}

func cell(row []string, col int) string {
	if col <= 0 || col > len(row) {
		return ""
	}
	return strings.TrimSpace(row[col-1])
}
