package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
)

var unionColumns = []string{
	"ID", "TAG_SPOOL", "N_UNION", "DN_UNION", "TIPO_UNION",
	"ARM_FECHA_INICIO", "ARM_FECHA_FIN", "ARM_WORKER",
	"SOL_FECHA_INICIO", "SOL_FECHA_FIN", "SOL_WORKER",
	"NDT_FECHA", "NDT_STATUS", "version",
	"Creado_Por", "Fecha_Creacion", "Modificado_Por", "Fecha_Modificacion",
}

// Unions is the per-union repository over the Uniones sheet.
type Unions struct {
	tab sheets.Tabular
}

// NewUnions builds the union repository.
func NewUnions(tab sheets.Tabular) *Unions {
	return &Unions{tab: tab}
}

// BySpool returns every union row of the spool, in sheet order.
func (r *Unions) BySpool(ctx context.Context, tag string) ([]model.Union, error) {
	var cols, err = colmap(ctx, r.tab, WSUniones, unionColumns...)
	if err != nil {
		return nil, err
	}
	rows, err := r.tab.ReadWorksheet(ctx, WSUniones)
	if err != nil {
		return nil, err
	}

	var unions []model.Union
	for i := 1; i < len(rows); i++ {
		var row = rows[i]
		if cell(row, cols["TAG_SPOOL"]) != tag {
			continue
		}
		var u = model.Union{
			ID:            cell(row, cols["ID"]),
			TagSpool:      tag,
			NUnion:        cellInt(row, cols["N_UNION"]),
			DNUnion:       cellFloat(row, cols["DN_UNION"]),
			TipoUnion:     cell(row, cols["TIPO_UNION"]),
			ARMWorker:     cell(row, cols["ARM_WORKER"]),
			SOLWorker:     cell(row, cols["SOL_WORKER"]),
			NDTStatus:     cell(row, cols["NDT_STATUS"]),
			Version:       cell(row, cols["version"]),
			CreadoPor:     cell(row, cols["Creado_Por"]),
			ModificadoPor: cell(row, cols["Modificado_Por"]),
			Row:           i + 1,
		}
		var fields = []struct {
			dst **time.Time
			col string
		}{
			{&u.ARMFechaInicio, "ARM_FECHA_INICIO"},
			{&u.ARMFechaFin, "ARM_FECHA_FIN"},
			{&u.SOLFechaInicio, "SOL_FECHA_INICIO"},
			{&u.SOLFechaFin, "SOL_FECHA_FIN"},
			{&u.NDTFecha, "NDT_FECHA"},
			{&u.FechaCreacion, "Fecha_Creacion"},
			{&u.FechaModificacion, "Fecha_Modificacion"},
		}
		for _, f := range fields {
			if *f.dst, err = model.ParseStoreTime(cell(row, cols[f.col])); err != nil {
				return nil, fmt.Errorf("union %s+%d %s: %w", tag, u.NUnion, f.col, err)
			}
		}
		unions = append(unions, u)
	}
	return unions, nil
}

// AvailableFor filters unions still workable for the operation. For ARM every
// unfinished union qualifies; for SOLD only non-FW unions whose ARM is
// complete, because a free-weld union never takes a weld.
func (r *Unions) AvailableFor(ctx context.Context, tag string, op model.Operation) ([]model.Union, error) {
	var unions, err = r.BySpool(ctx, tag)
	if err != nil {
		return nil, err
	}
	return Available(unions, op), nil
}

// Available is the pure filter behind AvailableFor.
func Available(unions []model.Union, op model.Operation) []model.Union {
	var out []model.Union
	for _, u := range unions {
		switch op {
		case model.OpARM:
			if u.ARMFechaFin == nil {
				out = append(out, u)
			}
		case model.OpSOLD:
			if u.TipoUnion != model.TipoUnionFW && u.ARMFechaFin != nil && u.SOLFechaFin == nil {
				out = append(out, u)
			}
		}
	}
	return out
}

// CountCompleted counts unions with the operation's completion set.
func CountCompleted(unions []model.Union, op model.Operation) int {
	var n int
	for _, u := range unions {
		if u.Done(op) {
			n++
		}
	}
	return n
}

// SumPulgadas sums diameters over completed unions, rounded to one decimal.
func SumPulgadas(unions []model.Union, op model.Operation) float64 {
	var sum float64
	for _, u := range unions {
		if u.Done(op) {
			sum += u.DNUnion
		}
	}
	return model.Round1(sum)
}

// SetEntry is one union's pending completion write.
type SetEntry struct {
	Union       model.Union
	FechaInicio time.Time
	FechaFin    time.Time
	WorkerRef   string
}

// BatchSet applies every entry's operation columns in one all-or-nothing
// batched write. Any entry whose union already has the operation's completion
// set at write time is rejected as a version conflict: the caller re-enters
// its selection from a fresh read.
func (r *Unions) BatchSet(ctx context.Context, op model.Operation, entries []SetEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var cols, err = colmap(ctx, r.tab, WSUniones, unionColumns...)
	if err != nil {
		return err
	}

	// Fresh immutability check against current rows.
	fresh, err := r.BySpool(ctx, entries[0].Union.TagSpool)
	if err != nil {
		return err
	}
	var done = make(map[int]bool, len(fresh))
	for _, u := range fresh {
		done[u.NUnion] = u.Done(op)
	}
	for _, e := range entries {
		if done[e.Union.NUnion] {
			return fmt.Errorf("union %s+%d already completed for %s: %w",
				e.Union.TagSpool, e.Union.NUnion, op, model.ErrVersionConflict)
		}
	}

	var inicioCol, finCol, workerCol = cols["ARM_FECHA_INICIO"], cols["ARM_FECHA_FIN"], cols["ARM_WORKER"]
	if op == model.OpSOLD {
		inicioCol, finCol, workerCol = cols["SOL_FECHA_INICIO"], cols["SOL_FECHA_FIN"], cols["SOL_WORKER"]
	}

	var updates []sheets.CellUpdate
	for _, e := range entries {
		updates = append(updates,
			sheets.CellUpdate{Row: e.Union.Row, Col: inicioCol, Value: e.FechaInicio.Format(model.DateTimeLayout)},
			sheets.CellUpdate{Row: e.Union.Row, Col: finCol, Value: e.FechaFin.Format(model.DateTimeLayout)},
			sheets.CellUpdate{Row: e.Union.Row, Col: workerCol, Value: e.WorkerRef},
			sheets.CellUpdate{Row: e.Union.Row, Col: cols["version"], Value: uuid.NewString()},
			sheets.CellUpdate{Row: e.Union.Row, Col: cols["Modificado_Por"], Value: e.WorkerRef},
			sheets.CellUpdate{Row: e.Union.Row, Col: cols["Fecha_Modificacion"], Value: e.FechaFin.Format(model.DateTimeLayout)},
		)
	}
	return r.tab.BatchUpdate(ctx, WSUniones, updates)
}
