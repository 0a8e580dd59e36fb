// Package sheets is the gateway to the external tabular store. It adapts
// named-column reads and batched cell writes onto the Google Sheets API,
// caches per-worksheet column maps, and feeds the in-process rate monitor.
// The gateway never throttles; callers are expected to batch.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/pipefab/spooltrack/go/model"
)

// CellUpdate addresses one cell by 1-based row and 0-based column.
// Values are written in the store's user-entered interpretation so that
// dates and numbers are typed.
type CellUpdate struct {
	Row   int
	Col   int
	Value any
}

// Tabular is the store surface consumed by repositories and the audit log.
type Tabular interface {
	// ReadWorksheet returns all rows of the worksheet, header row included.
	ReadWorksheet(ctx context.Context, name string) ([][]string, error)
	// BatchUpdate applies every cell update in a single batched call.
	BatchUpdate(ctx context.Context, name string, updates []CellUpdate) error
	// AppendRows appends rows after the worksheet's last data row.
	AppendRows(ctx context.Context, name string, rows [][]any) error
	// ColumnIndex resolves a logical column name to its 0-based index.
	ColumnIndex(ctx context.Context, name, logical string) (int, error)
	// InvalidateColumnMap drops the cached column map of the worksheet.
	InvalidateColumnMap(name string)
}

// Client is the Google Sheets implementation of Tabular.
type Client struct {
	svc           *sheets.Service
	spreadsheetID string
	columns       *columnCache
	monitor       *RateMonitor
}

var _ Tabular = (*Client)(nil)

// NewClient dials the Sheets API with the given credentials file.
func NewClient(ctx context.Context, spreadsheetID, credentialsFile string, monitor *RateMonitor) (*Client, error) {
	var svc, err = sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing sheets service: %w", err)
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		columns:       newColumnCache(),
		monitor:       monitor,
	}, nil
}

// ReadWorksheet fetches the worksheet's full value range.
func (c *Client) ReadWorksheet(ctx context.Context, name string) ([][]string, error) {
	c.monitor.Record(KindRead)

	var resp, err = c.svc.Spreadsheets.Values.Get(c.spreadsheetID, name).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, storeErr("reading worksheet "+name, err)
	}

	var rows = make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		var row = make([]string, len(raw))
		for i, cell := range raw {
			row[i] = fmt.Sprint(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BatchUpdate writes every cell in one batched values.batchUpdate call.
func (c *Client) BatchUpdate(ctx context.Context, name string, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	c.monitor.Record(KindWrite)

	var data = make([]*sheets.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!%s%d", name, colName(u.Col), u.Row),
			Values: [][]any{{u.Value}},
		})
	}
	var req = &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}
	if _, err := c.svc.Spreadsheets.Values.BatchUpdate(c.spreadsheetID, req).
		Context(ctx).Do(); err != nil {
		return storeErr(fmt.Sprintf("batch update of %d cells in %s", len(updates), name), err)
	}
	return nil
}

// AppendRows appends rows below the worksheet's current data.
func (c *Client) AppendRows(ctx context.Context, name string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	c.monitor.Record(KindWrite)

	var vr = &sheets.ValueRange{Values: rows}
	if _, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, name, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do(); err != nil {
		return storeErr(fmt.Sprintf("appending %d rows to %s", len(rows), name), err)
	}
	return nil
}

// ColumnIndex resolves a normalized logical column name against the cached
// per-worksheet map, loading the header row on a cache miss.
func (c *Client) ColumnIndex(ctx context.Context, name, logical string) (int, error) {
	if idx, ok := c.columns.lookup(name, logical); ok {
		return idx, nil
	}

	var rows, err = c.ReadWorksheet(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: worksheet %s has no header row", model.ErrSchemaInvalid, name)
	}
	c.columns.load(name, rows[0])

	idx, ok := c.columns.lookup(name, logical)
	if !ok {
		return 0, fmt.Errorf("%w: worksheet %s is missing column %q", model.ErrSchemaInvalid, name, logical)
	}
	return idx, nil
}

// InvalidateColumnMap drops the worksheet's cached column map. Invoked by any
// schema-mutating operation, or on demand.
func (c *Client) InvalidateColumnMap(name string) {
	c.columns.invalidate(name)
	log.WithField("worksheet", name).Debug("invalidated column map")
}

// ValidateSchema resolves every required column of every worksheet, so a
// missing column is fatal at startup rather than mid-operation.
func ValidateSchema(ctx context.Context, t Tabular, required map[string][]string) error {
	for ws, cols := range required {
		for _, col := range cols {
			if _, err := t.ColumnIndex(ctx, ws, col); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeErr classifies a transport failure. Schema problems pass through;
// everything else surfaces as the retriable store-unavailable kind.
func storeErr(what string, err error) error {
	if errors.Is(err, model.ErrSchemaInvalid) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		log.WithFields(log.Fields{"code": gerr.Code, "what": what}).Warn("sheets API error")
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		log.WithFields(log.Fields{"err": nerr, "what": what}).Warn("sheets transport error")
	}
	return fmt.Errorf("%s: %w: %v", what, model.ErrStoreUnavailable, err)
}

// colName renders a 0-based column index as its A1 letter form.
func colName(col int) string {
	var name []byte
	for col >= 0 {
		name = append([]byte{byte('A' + col%26)}, name...)
		col = col/26 - 1
	}
	return string(name)
}
