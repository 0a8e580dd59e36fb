package sheets

import (
	"strings"
	"sync"
)

// Normalize maps a physical or logical header to its lookup key: lowercased,
// with underscores and spaces stripped. "Fecha_Materiales", "fecha materiales"
// and "FECHAMATERIALES" all resolve to the same column.
func Normalize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r == '_' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// columnCache is the process-wide per-worksheet {normalized name -> 0-based
// index} map. Read-mostly; writers invalidate whole-worksheet entries. Callers
// only ever receive resolved indices, never the map itself.
type columnCache struct {
	mu   sync.RWMutex
	maps map[string]map[string]int
}

func newColumnCache() *columnCache {
	return &columnCache{maps: make(map[string]map[string]int)}
}

func (c *columnCache) lookup(worksheet, logical string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var m, ok = c.maps[worksheet]
	if !ok {
		return 0, false
	}
	idx, ok := m[Normalize(logical)]
	return idx, ok
}

func (c *columnCache) load(worksheet string, header []string) {
	var m = make(map[string]int, len(header))
	for i, name := range header {
		if key := Normalize(name); key != "" {
			// First occurrence wins on duplicate headers.
			if _, dup := m[key]; !dup {
				m[key] = i
			}
		}
	}
	c.mu.Lock()
	c.maps[worksheet] = m
	c.mu.Unlock()
}

func (c *columnCache) invalidate(worksheet string) {
	c.mu.Lock()
	delete(c.maps, worksheet)
	c.mu.Unlock()
}
