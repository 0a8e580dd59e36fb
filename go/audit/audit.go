// Package audit appends immutable workflow events to the Metadata worksheet.
// Events of one batch call are contiguous in append order; the writer chunks
// large batches but never reorders across a chunk boundary. Audit failure is
// deliberately non-fatal to the surrounding operation: it is recorded here
// and surfaced through the health endpoint as degradation.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
)

// Worksheet is the event log sheet name.
const Worksheet = "Metadata"

// maxChunk keeps each append call well below store row limits.
const maxChunk = 900

// Columns are the logical columns every event row populates.
var Columns = []string{
	"ID", "Timestamp", "Evento_Tipo", "TAG_SPOOL", "Worker_ID", "Worker_Nombre",
	"Operacion", "Accion", "Fecha_Operacion", "Metadata_JSON", "N_UNION",
}

// Logger is the append-only event writer.
type Logger struct {
	tab sheets.Tabular

	mu          sync.Mutex
	lastFailure error
	failedAt    time.Time
}

// NewLogger builds a Logger over the tabular gateway.
func NewLogger(tab sheets.Tabular) *Logger {
	return &Logger{tab: tab}
}

// LogEvent appends a single event.
func (l *Logger) LogEvent(ctx context.Context, evt model.AuditEvent) error {
	return l.BatchLog(ctx, []model.AuditEvent{evt})
}

// BatchLog appends events in submission order, chunked at maxChunk rows.
// Missing event ids and timestamps are filled in; relative order within the
// batch is retained across chunks.
func (l *Logger) BatchLog(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	var cols, err = l.columnIndices(ctx)
	if err != nil {
		return l.noteFailure(err)
	}

	var rows = make([][]any, 0, len(events))
	for i := range events {
		rows = append(rows, l.eventRow(cols, &events[i]))
	}

	for len(rows) != 0 {
		var n = len(rows)
		if n > maxChunk {
			n = maxChunk
		}
		if err = l.tab.AppendRows(ctx, Worksheet, rows[:n]); err != nil {
			return l.noteFailure(fmt.Errorf("appending %d audit rows: %w", n, err))
		}
		rows = rows[n:]
	}

	l.mu.Lock()
	l.lastFailure = nil
	l.mu.Unlock()
	return nil
}

// Degraded reports whether the most recent append failed, and when.
func (l *Logger) Degraded() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastFailure != nil, l.failedAt
}

func (l *Logger) noteFailure(err error) error {
	log.WithField("err", err).Error("audit log write failed")
	l.mu.Lock()
	l.lastFailure = err
	l.failedAt = time.Now()
	l.mu.Unlock()
	return err
}

func (l *Logger) columnIndices(ctx context.Context) (map[string]int, error) {
	var cols = make(map[string]int, len(Columns))
	for _, name := range Columns {
		var idx, err = l.tab.ColumnIndex(ctx, Worksheet, name)
		if err != nil {
			return nil, err
		}
		cols[name] = idx
	}
	return cols, nil
}

// eventRow lays the event out against the sheet's physical column order.
func (l *Logger) eventRow(cols map[string]int, evt *model.AuditEvent) []any {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.FechaOperacion.IsZero() {
		evt.FechaOperacion = evt.Timestamp
	}

	var width int
	for _, idx := range cols {
		if idx >= width {
			width = idx + 1
		}
	}
	var row = make([]any, width)
	for i := range row {
		row[i] = ""
	}

	row[cols["ID"]] = evt.EventID
	row[cols["Timestamp"]] = evt.Timestamp.Format(model.DateTimeLayout)
	row[cols["Evento_Tipo"]] = string(evt.EventoTipo)
	row[cols["TAG_SPOOL"]] = evt.TagSpool
	row[cols["Worker_ID"]] = evt.WorkerID
	row[cols["Worker_Nombre"]] = evt.WorkerNombre
	row[cols["Operacion"]] = evt.Operacion
	row[cols["Accion"]] = evt.Accion
	row[cols["Fecha_Operacion"]] = evt.FechaOperacion.Format(model.DateLayout)
	row[cols["Metadata_JSON"]] = evt.MetadataJSON()
	if evt.NUnion > 0 {
		row[cols["N_UNION"]] = evt.NUnion
	}
	return row
}
