package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
)

var workerColumns = []string{"ID", "Iniciales", "Activo", "Roles"}

// workerCacheTTL bounds staleness of the read-mostly worker directory.
const workerCacheTTL = 5 * time.Minute

// Workers is the read-only identity directory over the Trabajadores sheet.
type Workers struct {
	tab   sheets.Tabular
	cache *expirable.LRU[int, model.Worker]
}

// NewWorkers builds the directory with an expiring identity cache.
func NewWorkers(tab sheets.Tabular) *Workers {
	return &Workers{
		tab:   tab,
		cache: expirable.NewLRU[int, model.Worker](256, nil, workerCacheTTL),
	}
}

// Get returns the worker by id, or ErrWorkerNotFound.
func (r *Workers) Get(ctx context.Context, id int) (model.Worker, error) {
	if w, ok := r.cache.Get(id); ok {
		return w, nil
	}

	var cols, err = colmap(ctx, r.tab, WSTrabajadores, workerColumns...)
	if err != nil {
		return model.Worker{}, err
	}
	rows, err := r.tab.ReadWorksheet(ctx, WSTrabajadores)
	if err != nil {
		return model.Worker{}, err
	}

	var found *model.Worker
	for i := 1; i < len(rows); i++ {
		var row = rows[i]
		var w = model.Worker{
			ID:        cellInt(row, cols["ID"]),
			Iniciales: cell(row, cols["Iniciales"]),
			Activo:    parseActivo(cell(row, cols["Activo"])),
		}
		if roles := cell(row, cols["Roles"]); roles != "" {
			for _, role := range strings.Split(roles, ",") {
				w.Roles = append(w.Roles, strings.TrimSpace(role))
			}
		}
		if w.ID != 0 {
			r.cache.Add(w.ID, w)
		}
		if w.ID == id {
			found = &w
		}
	}
	if found == nil {
		return model.Worker{}, fmt.Errorf("%w: id %d", model.ErrWorkerNotFound, id)
	}
	return *found, nil
}

// Active returns the worker and rejects inactive identities.
func (r *Workers) Active(ctx context.Context, id int) (model.Worker, error) {
	var w, err = r.Get(ctx, id)
	if err != nil {
		return model.Worker{}, err
	}
	if !w.Activo {
		return model.Worker{}, fmt.Errorf("%w: worker %d is inactive", model.ErrNotAuthorized, id)
	}
	return w, nil
}

func parseActivo(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRUE", "SI", "SÍ", "1", "YES":
		return true
	}
	return false
}
