package excel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
)

func testConfig(root string) Config {
	return Config{
		RootDir:        root,
		PromptColumn:   2,
		StatusColumn:   3,
		StartRow:       2,
		DoneMarker:     "image generated",
		RejectedMarker: "prompt rejected",
	}
}

// writeBook creates root/folder/name with a header row followed by rows of
// (id, prompt, status) cells.
func writeBook(t *testing.T, root, folder, name string, rows [][]string) string {
	t.Helper()

	dir := filepath.Join(root, folder)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	f := excelize.NewFile()
	t.Cleanup(func() { _ = f.Close() })
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"id", "prompt", "status"}))
	for i, row := range rows {
		ref, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		require.NoError(t, f.SetSheetRow(sheet, ref, &values))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func statusAt(t *testing.T, path string, row int) string {
	t.Helper()

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	ref, err := excelize.CoordinatesToCellName(3, row)
	require.NoError(t, err)
	v, err := f.GetCellValue(f.GetSheetName(0), ref)
	require.NoError(t, err)
	return v
}

func TestListPendingSkipsMarkedAndDuplicates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	alpha := writeBook(t, root, "alpha", "alpha.xlsx", [][]string{
		{"1", "a cat", ""},
		{"2", "a dog", "image generated"},
		{"3", "", ""},
		{"4", "a bird", "prompt rejected"},
		{"5", "  a fox  ", ""},
		{"6", "a cat", ""},
	})
	beta := writeBook(t, root, "beta", "beta.xlsx", [][]string{
		{"1", "a fox", ""},
		{"2", "an owl", ""},
	})

	src, err := New(testConfig(root), nil, zap.NewNop())
	require.NoError(t, err)
	items, err := src.ListPending(context.Background())
	require.NoError(t, err)

	require.Len(t, items, 3)
	require.Equal(t, farm.WorkItem{
		Key:        farm.ItemKey{Source: alpha, Row: 2},
		SourceName: "alpha",
		DataRow:    1,
		Prompt:     "a cat",
		Status:     farm.ItemPending,
	}, items[0])
	require.Equal(t, "a fox", items[1].Prompt)
	require.Equal(t, 6, items[1].Key.Row)
	require.Equal(t, 5, items[1].DataRow)
	require.Equal(t, farm.ItemKey{Source: beta, Row: 3}, items[2].Key)
	require.Equal(t, "an owl", items[2].Prompt)
}

func TestListPendingUsesFirstWorkbookOnly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := writeBook(t, root, "proj", "a.xlsx", [][]string{{"1", "first", ""}})
	writeBook(t, root, "proj", "b.xlsx", [][]string{{"1", "second", ""}})
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj", "~$a.xlsx"), []byte("lock"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "loose.xlsx"), []byte("x"), 0o600))

	src, err := New(testConfig(root), nil, nil)
	require.NoError(t, err)
	books, err := src.Workbooks()
	require.NoError(t, err)
	require.Equal(t, []Workbook{{Path: first, Folder: "proj"}}, books)

	items, err := src.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "first", items[0].Prompt)
}

func TestListPendingSkipsUnparseableWorkbook(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", "bad.xlsx"), []byte("not a zip"), 0o600))
	writeBook(t, root, "good", "good.xlsx", [][]string{{"1", "ok", ""}})

	src, err := New(testConfig(root), nil, nil)
	require.NoError(t, err)
	items, err := src.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "good", items[0].SourceName)
}

func TestListPendingMissingRoot(t *testing.T) {
	t.Parallel()

	src, err := New(testConfig(filepath.Join(t.TempDir(), "nope")), nil, nil)
	require.NoError(t, err)
	_, err = src.ListPending(context.Background())
	require.Error(t, err)
}

func TestListPendingBackfillsExistingArtifacts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeBook(t, root, "proj", "proj.xlsx", [][]string{
		{"1", "already drawn", ""},
		{"2", "still to do", ""},
	})
	exists := func(_ context.Context, item farm.WorkItem) (bool, error) {
		return item.Prompt == "already drawn", nil
	}

	src, err := New(testConfig(root), exists, nil)
	require.NoError(t, err)
	items, err := src.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "still to do", items[0].Prompt)
	require.Equal(t, "image generated", statusAt(t, path, 2))
	require.Empty(t, statusAt(t, path, 3))
}

func TestMarkDoneIsIdempotentAndResumes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeBook(t, root, "proj", "proj.xlsx", [][]string{
		{"1", "one", ""},
		{"2", "two", ""},
	})
	src, err := New(testConfig(root), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	items, err := src.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, src.MarkDone(ctx, items[0]))
	require.NoError(t, src.MarkDone(ctx, items[0]))
	require.Equal(t, "image generated", statusAt(t, path, 2))

	// A fresh listing resumes with what is left.
	items, err = src.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "two", items[0].Prompt)
}

func TestMarkRejected(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeBook(t, root, "proj", "proj.xlsx", [][]string{{"1", "bad prompt", ""}})
	src, err := New(testConfig(root), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	items, err := src.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, src.MarkRejected(ctx, items[0]))
	require.Equal(t, "prompt rejected", statusAt(t, path, 2))

	// Done never overwrites a rejection.
	require.NoError(t, src.MarkDone(ctx, items[0]))
	require.Equal(t, "prompt rejected", statusAt(t, path, 2))

	items, err = src.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestAspectRatioColumn(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeBook(t, root, "proj", "proj.xlsx", [][]string{{"1", "wide", "", "16:9"}})
	cfg := testConfig(root)
	cfg.AspectRatioColumn = 4
	src, err := New(cfg, nil, nil)
	require.NoError(t, err)

	items, err := src.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "16:9", items[0].AspectRatio)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	cfg := testConfig(t.TempDir())
	cfg.DoneMarker = ""
	_, err = New(cfg, nil, nil)
	require.Error(t, err)
}
