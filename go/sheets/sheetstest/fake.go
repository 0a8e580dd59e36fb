// Package sheetstest provides an in-memory Tabular implementation for tests.
package sheetstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
)

// Fake is a thread-safe in-memory tabular store. Worksheets are plain string
// grids with the header in row 0, mirroring the gateway's read shape.
type Fake struct {
	mu      sync.Mutex
	grids   map[string][][]string
	failN   int // fail the next N mutating calls
	writes  int
	onWrite func(f *Fake)
}

// NewFake builds an empty fake store.
func NewFake() *Fake {
	return &Fake{grids: make(map[string][][]string)}
}

var _ sheets.Tabular = (*Fake)(nil)

// SetSheet replaces the worksheet's contents, header row first.
func (f *Fake) SetSheet(name string, rows [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var copied = make([][]string, len(rows))
	for i, r := range rows {
		copied[i] = append([]string(nil), r...)
	}
	f.grids[name] = copied
}

// FailNextWrites makes the next n mutating calls return ErrStoreUnavailable.
func (f *Fake) FailNextWrites(n int) {
	f.mu.Lock()
	f.failN = n
	f.mu.Unlock()
}

// SetOnWrite installs a hook invoked after every successful mutating call,
// with the store lock released. Tests use it to simulate racing writers.
func (f *Fake) SetOnWrite(fn func(f *Fake)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

// WriteCalls returns the number of successful mutating calls.
func (f *Fake) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Cell returns the worksheet cell at 1-based row, 0-based column.
func (f *Fake) Cell(name string, row, col int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grid = f.grids[name]
	if row < 1 || row > len(grid) || col >= len(grid[row-1]) {
		return ""
	}
	return grid[row-1][col]
}

// RowCount returns the number of rows in the worksheet, header included.
func (f *Fake) RowCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grids[name])
}

// Row returns a copy of the worksheet's 1-based row.
func (f *Fake) Row(name string, row int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grid = f.grids[name]
	if row < 1 || row > len(grid) {
		return nil
	}
	return append([]string(nil), grid[row-1]...)
}

func (f *Fake) ReadWorksheet(_ context.Context, name string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grid, ok = f.grids[name]
	if !ok {
		return nil, fmt.Errorf("worksheet %s: %w", name, model.ErrStoreUnavailable)
	}
	var out = make([][]string, len(grid))
	for i, r := range grid {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}

func (f *Fake) BatchUpdate(_ context.Context, name string, updates []sheets.CellUpdate) error {
	f.mu.Lock()
	if f.failN > 0 {
		f.failN--
		f.mu.Unlock()
		return fmt.Errorf("injected failure: %w", model.ErrStoreUnavailable)
	}
	var grid, ok = f.grids[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("worksheet %s: %w", name, model.ErrStoreUnavailable)
	}
	for _, u := range updates {
		for len(grid) < u.Row {
			grid = append(grid, nil)
		}
		var row = grid[u.Row-1]
		for len(row) <= u.Col {
			row = append(row, "")
		}
		row[u.Col] = fmt.Sprint(u.Value)
		grid[u.Row-1] = row
	}
	f.grids[name] = grid
	f.writes++
	var hook = f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *Fake) AppendRows(_ context.Context, name string, rows [][]any) error {
	f.mu.Lock()
	if f.failN > 0 {
		f.failN--
		f.mu.Unlock()
		return fmt.Errorf("injected failure: %w", model.ErrStoreUnavailable)
	}
	var grid, ok = f.grids[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("worksheet %s: %w", name, model.ErrStoreUnavailable)
	}
	for _, r := range rows {
		var row = make([]string, len(r))
		for i, v := range r {
			row[i] = fmt.Sprint(v)
		}
		grid = append(grid, row)
	}
	f.grids[name] = grid
	f.writes++
	var hook = f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *Fake) ColumnIndex(_ context.Context, name, logical string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grid, ok = f.grids[name]
	if !ok || len(grid) == 0 {
		return 0, fmt.Errorf("%w: worksheet %s has no header row", model.ErrSchemaInvalid, name)
	}
	var want = sheets.Normalize(logical)
	for i, h := range grid[0] {
		if sheets.Normalize(h) == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: worksheet %s is missing column %q", model.ErrSchemaInvalid, name, logical)
}

func (f *Fake) InvalidateColumnMap(string) {}
