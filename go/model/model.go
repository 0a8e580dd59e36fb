// Package model holds the shared vocabulary of the spooltrack core: spool and
// union records as read from the tabular store, operations, audit events, and
// the domain error kinds which the HTTP boundary maps onto status codes.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Operation is a per-union manufacturing operation.
type Operation string

const (
	OpARM  Operation = "ARM"
	OpSOLD Operation = "SOLD"
)

// ParseOperation validates a client-supplied operation string.
func ParseOperation(s string) (Operation, error) {
	switch Operation(strings.ToUpper(strings.TrimSpace(s))) {
	case OpARM:
		return OpARM, nil
	case OpSOLD:
		return OpSOLD, nil
	}
	return "", fmt.Errorf("%w: operacion %q (expected ARM or SOLD)", ErrInvalidState, s)
}

// TipoUnionFW is the free-weld union family. An FW union requires only ARM,
// which is why full FW coverage on ARM alone can complete a spool.
const TipoUnionFW = "FW"

// Date and datetime layouts used by every worksheet column.
const (
	DateLayout     = "02-01-2006"
	DateTimeLayout = "02-01-2006 15:04:05"
)

// WorkerRef renders a worker identity the way worker columns store it: "MR(93)".
func WorkerRef(initials string, id int) string {
	return fmt.Sprintf("%s(%d)", initials, id)
}

// Worker is a read-only identity row from the Trabajadores sheet.
type Worker struct {
	ID        int
	Iniciales string
	Activo    bool
	Roles     []string
}

// Ref returns the worker's rendered column value.
func (w Worker) Ref() string { return WorkerRef(w.Iniciales, w.ID) }

// HasRole reports whether the worker carries the named role.
func (w Worker) HasRole(role string) bool {
	for _, r := range w.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Spool is the aggregate row of the Operaciones sheet. The four trailing
// aggregates are derived from Union rows and rounded to one decimal.
type Spool struct {
	TagSpool        string
	OT              string
	FechaMateriales *time.Time
	OcupadoPor      string
	FechaOcupacion  *time.Time
	Version         string
	EstadoDetalle   string

	// Legacy v3 spool-level operation columns.
	Armador        string
	Soldador       string
	FechaArmado    *time.Time
	FechaSoldadura *time.Time

	TotalUniones           int
	UnionesARMCompletadas  int
	UnionesSOLDCompletadas int
	PulgadasARM            float64
	PulgadasSOLD           float64

	// Row is the 1-based worksheet row this record was read from.
	Row int
}

// IsV4 reports whether the spool carries a per-union breakdown.
// total_uniones == 0 marks a legacy v3.0 spool.
func (s *Spool) IsV4() bool { return s.TotalUniones > 0 }

// Occupied reports whether the spool row records a live occupation.
func (s *Spool) Occupied() bool { return s.OcupadoPor != "" }

// Union is a per-union row of the Uniones sheet, keyed by {tag_spool, n_union}.
type Union struct {
	ID        string
	TagSpool  string
	NUnion    int
	DNUnion   float64
	TipoUnion string

	ARMFechaInicio *time.Time
	ARMFechaFin    *time.Time
	ARMWorker      string
	SOLFechaInicio *time.Time
	SOLFechaFin    *time.Time
	SOLWorker      string

	NDTFecha  *time.Time
	NDTStatus string

	Version           string
	CreadoPor         string
	FechaCreacion     *time.Time
	ModificadoPor     string
	FechaModificacion *time.Time

	Row int
}

// FechaFin returns the completion timestamp of the given operation.
func (u *Union) FechaFin(op Operation) *time.Time {
	if op == OpARM {
		return u.ARMFechaFin
	}
	return u.SOLFechaFin
}

// Done reports whether the union is immutable for op (completion already set).
func (u *Union) Done(op Operation) bool { return u.FechaFin(op) != nil }

// FormatDate renders a nullable instant in the store's date format.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}

// FormatDateTime renders a nullable instant in the store's datetime format.
func FormatDateTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateTimeLayout)
}

// ParseStoreTime parses a cell holding either a date or a datetime.
// Empty cells parse to nil.
func ParseStoreTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(DateTimeLayout, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("cell %q is neither a date nor a datetime: %w", s, err)
	}
	return &t, nil
}

// Round1 rounds to one decimal, the precision of every pulgadas aggregate.
func Round1(v float64) float64 {
	if v < 0 {
		return -Round1(-v)
	}
	return float64(int64(v*10+0.5)) / 10
}
