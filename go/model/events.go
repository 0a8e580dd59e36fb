package model

import (
	"encoding/json"
	"time"
)

// EventType is a member of the closed audit event-type set.
type EventType string

const (
	EvTomarSpool         EventType = "TOMAR_SPOOL"
	EvPausarSpool        EventType = "PAUSAR_SPOOL"
	EvCompletarSpool     EventType = "COMPLETAR_SPOOL"
	EvIniciarSpool       EventType = "INICIAR_SPOOL"
	EvFinalizarSpool     EventType = "FINALIZAR_SPOOL"
	EvSpoolCancelado     EventType = "SPOOL_CANCELADO"
	EvSpoolARMPausado    EventType = "SPOOL_ARM_PAUSADO"
	EvSpoolARMCompletado EventType = "SPOOL_ARM_COMPLETADO"
	EvSpoolSOLDPausado   EventType = "SPOOL_SOLD_PAUSADO"
	EvSpoolSOLDComplet   EventType = "SPOOL_SOLD_COMPLETADO"
	EvUnionARMRegistrada EventType = "UNION_ARM_REGISTRADA"
	EvUnionSOLDRegistr   EventType = "UNION_SOLD_REGISTRADA"
	EvMetrologiaComplet  EventType = "METROLOGIA_COMPLETADA"
	EvMetrologiaAuto     EventType = "METROLOGIA_AUTO_TRIGGERED"
	EvReparacionTomar    EventType = "REPARACION_TOMAR"
	EvReparacionComplet  EventType = "REPARACION_COMPLETAR"
)

// SpoolEvent returns the spool-scope completion/pause event for an operation.
func SpoolEvent(op Operation, completed bool) EventType {
	switch {
	case op == OpARM && completed:
		return EvSpoolARMCompletado
	case op == OpARM:
		return EvSpoolARMPausado
	case completed:
		return EvSpoolSOLDComplet
	default:
		return EvSpoolSOLDPausado
	}
}

// UnionEvent returns the per-union registration event for an operation.
func UnionEvent(op Operation) EventType {
	if op == OpARM {
		return EvUnionARMRegistrada
	}
	return EvUnionSOLDRegistr
}

// AuditEvent is one immutable row of the Metadata sheet. NUnion is zero for
// spool-scope events and set to the union ordinal for per-union events.
type AuditEvent struct {
	EventID        string
	Timestamp      time.Time
	EventoTipo     EventType
	TagSpool       string
	NUnion         int
	WorkerID       int
	WorkerNombre   string
	Operacion      string // ARM, SOLD, METROLOGIA, REPARACION
	Accion         string // TOMAR, PAUSAR, COMPLETAR, INICIAR, FINALIZAR, CANCELAR, AUTO_TRIGGER
	FechaOperacion time.Time
	Metadata       map[string]any
}

// MetadataJSON renders the free payload column. An empty payload renders "".
func (e *AuditEvent) MetadataJSON() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var b, err = json.Marshal(e.Metadata)
	if err != nil {
		return ""
	}
	return string(b)
}

// LiveEventType names the in-process events fanned out to stream subscribers.
type LiveEventType string

const (
	LiveTomar          LiveEventType = "TOMAR"
	LivePausar         LiveEventType = "PAUSAR"
	LiveCompletar      LiveEventType = "COMPLETAR"
	LiveIniciar        LiveEventType = "INICIAR"
	LiveFinalizar      LiveEventType = "FINALIZAR"
	LiveCancelado      LiveEventType = "CANCELADO"
	LiveStateChange    LiveEventType = "STATE_CHANGE"
	LiveMetrologiaAuto LiveEventType = "METROLOGIA_AUTO_TRIGGERED"
)

// LiveEvent is the payload pushed to dashboard subscribers. Delivery is
// best-effort at-most-once; subscribers reconcile via the dashboard snapshot.
type LiveEvent struct {
	Type          LiveEventType `json:"type"`
	TagSpool      string        `json:"tag_spool"`
	Worker        string        `json:"worker,omitempty"`
	EstadoDetalle string        `json:"estado_detalle,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
