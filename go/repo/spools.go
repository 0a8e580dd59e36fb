package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
	"github.com/pipefab/spooltrack/go/versions"
)

var spoolColumns = []string{
	"TAG_SPOOL", "OT", "Fecha_Materiales", "Armador", "Soldador",
	"Fecha_Armado", "Fecha_Soldadura", "Ocupado_Por", "Fecha_Ocupacion",
	"version", "Estado_Detalle", "Total_Uniones", "Uniones_ARM_Completadas",
	"Uniones_SOLD_Completadas", "Pulgadas_ARM", "Pulgadas_SOLD",
}

// Spools is the aggregate-row repository over the Operaciones sheet.
type Spools struct {
	tab      sheets.Tabular
	versions *versions.Service
}

// NewSpools builds the spool repository.
func NewSpools(tab sheets.Tabular, vs *versions.Service) *Spools {
	return &Spools{tab: tab, versions: vs}
}

// Metrics are the aggregate counters derived from union rows.
type Metrics struct {
	UnionesARM   int
	UnionesSOLD  int
	PulgadasARM  float64
	PulgadasSOLD float64
}

// Get returns the spool row, or ErrSpoolNotFound.
func (r *Spools) Get(ctx context.Context, tag string) (*model.Spool, error) {
	var spools, err = r.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range spools {
		if spools[i].TagSpool == tag {
			return &spools[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrSpoolNotFound, tag)
}

// All scans every spool row; typical worksheets hold at most a few thousand.
func (r *Spools) All(ctx context.Context) ([]model.Spool, error) {
	var cols, err = colmap(ctx, r.tab, WSOperaciones, spoolColumns...)
	if err != nil {
		return nil, err
	}
	rows, err := r.tab.ReadWorksheet(ctx, WSOperaciones)
	if err != nil {
		return nil, err
	}

	var spools []model.Spool
	for i := 1; i < len(rows); i++ {
		var row = rows[i]
		var tag = cell(row, cols["TAG_SPOOL"])
		if tag == "" {
			continue
		}
		var s = model.Spool{
			TagSpool:               tag,
			OT:                     cell(row, cols["OT"]),
			Armador:                cell(row, cols["Armador"]),
			Soldador:               cell(row, cols["Soldador"]),
			OcupadoPor:             cell(row, cols["Ocupado_Por"]),
			Version:                cell(row, cols["version"]),
			EstadoDetalle:          cell(row, cols["Estado_Detalle"]),
			TotalUniones:           cellInt(row, cols["Total_Uniones"]),
			UnionesARMCompletadas:  cellInt(row, cols["Uniones_ARM_Completadas"]),
			UnionesSOLDCompletadas: cellInt(row, cols["Uniones_SOLD_Completadas"]),
			PulgadasARM:            cellFloat(row, cols["Pulgadas_ARM"]),
			PulgadasSOLD:           cellFloat(row, cols["Pulgadas_SOLD"]),
			Row:                    i + 1,
		}
		if s.FechaMateriales, err = model.ParseStoreTime(cell(row, cols["Fecha_Materiales"])); err != nil {
			return nil, fmt.Errorf("spool %s Fecha_Materiales: %w", tag, err)
		}
		if s.FechaOcupacion, err = model.ParseStoreTime(cell(row, cols["Fecha_Ocupacion"])); err != nil {
			return nil, fmt.Errorf("spool %s Fecha_Ocupacion: %w", tag, err)
		}
		if s.FechaArmado, err = model.ParseStoreTime(cell(row, cols["Fecha_Armado"])); err != nil {
			return nil, fmt.Errorf("spool %s Fecha_Armado: %w", tag, err)
		}
		if s.FechaSoldadura, err = model.ParseStoreTime(cell(row, cols["Fecha_Soldadura"])); err != nil {
			return nil, fmt.Errorf("spool %s Fecha_Soldadura: %w", tag, err)
		}
		spools = append(spools, s)
	}
	return spools, nil
}

// SetOccupation marks the spool occupied under optimistic concurrency.
func (r *Spools) SetOccupation(ctx context.Context, tag, workerRef string, at time.Time, expected string) (string, error) {
	return r.guardedWrite(ctx, tag, expected, func(cols map[string]int, s *model.Spool) []sheets.CellUpdate {
		return []sheets.CellUpdate{
			{Row: s.Row, Col: cols["Ocupado_Por"], Value: workerRef},
			{Row: s.Row, Col: cols["Fecha_Ocupacion"], Value: at.Format(model.DateTimeLayout)},
		}
	})
}

// ClearOccupation empties the occupation marker under optimistic concurrency.
func (r *Spools) ClearOccupation(ctx context.Context, tag, expected string) (string, error) {
	return r.guardedWrite(ctx, tag, expected, func(cols map[string]int, s *model.Spool) []sheets.CellUpdate {
		return []sheets.CellUpdate{
			{Row: s.Row, Col: cols["Ocupado_Por"], Value: ""},
			{Row: s.Row, Col: cols["Fecha_Ocupacion"], Value: ""},
		}
	})
}

// SetMetrics writes the aggregate counters atomically in one guarded batch.
func (r *Spools) SetMetrics(ctx context.Context, tag string, m Metrics, expected string) (string, error) {
	return r.guardedWrite(ctx, tag, expected, func(cols map[string]int, s *model.Spool) []sheets.CellUpdate {
		return []sheets.CellUpdate{
			{Row: s.Row, Col: cols["Uniones_ARM_Completadas"], Value: m.UnionesARM},
			{Row: s.Row, Col: cols["Uniones_SOLD_Completadas"], Value: m.UnionesSOLD},
			{Row: s.Row, Col: cols["Pulgadas_ARM"], Value: model.Round1(m.PulgadasARM)},
			{Row: s.Row, Col: cols["Pulgadas_SOLD"], Value: model.Round1(m.PulgadasSOLD)},
		}
	})
}

// SetEstadoDetalle writes the display projection. It is derived state, so it
// is not version-guarded.
func (r *Spools) SetEstadoDetalle(ctx context.Context, tag, estado string) error {
	var s, cols, err = r.locate(ctx, tag)
	if err != nil {
		return err
	}
	return r.tab.BatchUpdate(ctx, WSOperaciones, []sheets.CellUpdate{
		{Row: s.Row, Col: cols["Estado_Detalle"], Value: estado},
	})
}

// SetV3Operation writes the legacy spool-level date and worker columns for a
// v3 spool (no union rows exist to carry them).
func (r *Spools) SetV3Operation(ctx context.Context, tag string, op model.Operation, workerRef string, at time.Time, expected string) (string, error) {
	var dateCol, workerCol = "Fecha_Armado", "Armador"
	if op == model.OpSOLD {
		dateCol, workerCol = "Fecha_Soldadura", "Soldador"
	}
	return r.guardedWrite(ctx, tag, expected, func(cols map[string]int, s *model.Spool) []sheets.CellUpdate {
		return []sheets.CellUpdate{
			{Row: s.Row, Col: cols[dateCol], Value: at.Format(model.DateLayout)},
			{Row: s.Row, Col: cols[workerCol], Value: workerRef},
		}
	})
}

func (r *Spools) locate(ctx context.Context, tag string) (*model.Spool, map[string]int, error) {
	var cols, err = colmap(ctx, r.tab, WSOperaciones, spoolColumns...)
	if err != nil {
		return nil, nil, err
	}
	s, err := r.Get(ctx, tag)
	if err != nil {
		return nil, nil, err
	}
	return s, cols, nil
}

func (r *Spools) guardedWrite(ctx context.Context, tag, expected string, build func(map[string]int, *model.Spool) []sheets.CellUpdate) (string, error) {
	return r.versions.Write(ctx, WSOperaciones, expected,
		func(ctx context.Context) (int, int, string, []sheets.CellUpdate, error) {
			var s, cols, err = r.locate(ctx, tag)
			if err != nil {
				return 0, 0, "", nil, err
			}
			return s.Row, cols["version"], s.Version, build(cols, s), nil
		})
}
