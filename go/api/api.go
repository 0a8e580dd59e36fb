// Package api is the HTTP boundary: the v4 occupation and metrology routes,
// the legacy v3 verbs, dashboard and health surfaces, and the live event
// stream. Handlers validate and decode only; every decision lives in the
// workflow service, and domain error kinds map onto status codes here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/audit"
	"github.com/pipefab/spooltrack/go/bus"
	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
	"github.com/pipefab/spooltrack/go/workflow"
)

// Server holds the handler dependencies.
type Server struct {
	workflow *workflow.Service
	audit    *audit.Logger
	bus      *bus.Bus
	rate     *sheets.RateMonitor
}

// NewServer wires the boundary. |rate| may be nil when no monitor runs.
func NewServer(wf *workflow.Service, auditLog *audit.Logger, b *bus.Bus, rate *sheets.RateMonitor) *Server {
	return &Server{workflow: wf, audit: auditLog, bus: b, rate: rate}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	var r = mux.NewRouter()

	var v4 = r.PathPrefix("/v4").Subrouter()
	v4.HandleFunc("/occupation/iniciar", s.iniciar).Methods("POST")
	v4.HandleFunc("/occupation/finalizar", s.finalizar).Methods("POST")
	v4.HandleFunc("/occupation/cancelar", s.cancelar).Methods("POST")
	v4.HandleFunc("/uniones/{tag}/disponibles", s.disponibles).Methods("GET")
	v4.HandleFunc("/uniones/{tag}/metricas", s.metricas).Methods("GET")
	v4.HandleFunc("/metrologia/{tag}/resultado", s.metrologia).Methods("POST")
	v4.HandleFunc("/reparacion/{tag}/completar", s.reparacion).Methods("POST")
	v4.HandleFunc("/dashboard", s.dashboard).Methods("GET")
	v4.HandleFunc("/events/stream", s.stream).Methods("GET")

	var v3 = r.PathPrefix("/v3").Subrouter()
	v3.HandleFunc("/occupation/tomar", s.tomar).Methods("POST")
	v3.HandleFunc("/occupation/pausar", s.pausar).Methods("POST")
	v3.HandleFunc("/occupation/completar", s.completar).Methods("POST")

	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// occupationRequest is the shared body of the occupation verbs.
type occupationRequest struct {
	TagSpool  string   `json:"tag_spool"`
	WorkerID  int      `json:"worker_id"`
	Operacion string   `json:"operacion"`
	Uniones   []string `json:"uniones"`
	Strict    bool     `json:"strict"`
}

// validate collects field-level problems; a non-empty map renders as 422.
func (r *occupationRequest) validate(needOperacion bool) map[string]string {
	var problems = make(map[string]string)
	if strings.TrimSpace(r.TagSpool) == "" {
		problems["tag_spool"] = "required"
	}
	if r.WorkerID <= 0 {
		problems["worker_id"] = "must be a positive worker id"
	}
	if needOperacion {
		if _, err := model.ParseOperation(r.Operacion); err != nil {
			problems["operacion"] = "must be ARM or SOLD"
		}
	}
	return problems
}

func (s *Server) iniciar(w http.ResponseWriter, r *http.Request) {
	var req occupationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if problems := req.validate(true); len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	var op, _ = model.ParseOperation(req.Operacion)
	res, err := s.workflow.Iniciar(r.Context(), req.TagSpool, req.WorkerID, op)
	if err != nil {
		s.writeError(w, err, "/v3/occupation/tomar")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) finalizar(w http.ResponseWriter, r *http.Request) {
	var req occupationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if problems := req.validate(true); len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	var op, _ = model.ParseOperation(req.Operacion)
	res, err := s.workflow.Finalizar(r.Context(), workflow.FinalizarArgs{
		TagSpool:  req.TagSpool,
		WorkerID:  req.WorkerID,
		Operacion: op,
		UnionIDs:  req.Uniones,
		Strict:    req.Strict,
	})
	if err != nil {
		s.writeError(w, err, "/v3/occupation/completar")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelar(w http.ResponseWriter, r *http.Request) {
	var req occupationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if problems := req.validate(false); len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	if err := s.workflow.Cancelar(r.Context(), req.TagSpool, req.WorkerID); err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tag_spool": req.TagSpool, "cancelado": true})
}

func (s *Server) disponibles(w http.ResponseWriter, r *http.Request) {
	var op, err = model.ParseOperation(r.URL.Query().Get("operacion"))
	if err != nil {
		s.writeValidation(w, map[string]string{"operacion": "must be ARM or SOLD"})
		return
	}
	views, err := s.workflow.Disponibles(r.Context(), mux.Vars(r)["tag"], op)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tag_spool": mux.Vars(r)["tag"],
		"operacion": op,
		"uniones":   views,
	})
}

func (s *Server) metricas(w http.ResponseWriter, r *http.Request) {
	var metrics, err = s.workflow.Metricas(r.Context(), mux.Vars(r)["tag"])
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, metrics)
}

type metrologiaRequest struct {
	WorkerID      int    `json:"worker_id"`
	Aprobado      *bool  `json:"aprobado"`
	Observaciones string `json:"observaciones"`
}

func (s *Server) metrologia(w http.ResponseWriter, r *http.Request) {
	var req metrologiaRequest
	if !s.decode(w, r, &req) {
		return
	}
	var problems = make(map[string]string)
	if req.WorkerID <= 0 {
		problems["worker_id"] = "must be a positive worker id"
	}
	if req.Aprobado == nil {
		problems["aprobado"] = "required"
	}
	if len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	res, err := s.workflow.RegistrarMetrologia(r.Context(), mux.Vars(r)["tag"], req.WorkerID, *req.Aprobado, req.Observaciones)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) reparacion(w http.ResponseWriter, r *http.Request) {
	var req metrologiaRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkerID <= 0 {
		s.writeValidation(w, map[string]string{"worker_id": "must be a positive worker id"})
		return
	}
	res, err := s.workflow.CompletarReparacion(r.Context(), mux.Vars(r)["tag"], req.WorkerID)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	var entries, err = s.workflow.Dashboard(r.Context())
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"spools": entries})
}

func (s *Server) tomar(w http.ResponseWriter, r *http.Request) {
	var req occupationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if problems := req.validate(true); len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	var op, _ = model.ParseOperation(req.Operacion)
	res, err := s.workflow.Tomar(r.Context(), req.TagSpool, req.WorkerID, op)
	if err != nil {
		s.writeError(w, err, "/v4/occupation/iniciar")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) pausar(w http.ResponseWriter, r *http.Request) {
	var req occupationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if problems := req.validate(false); len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	if err := s.workflow.Pausar(r.Context(), req.TagSpool, req.WorkerID); err != nil {
		s.writeError(w, err, "/v4/occupation/finalizar")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tag_spool": req.TagSpool, "pausado": true})
}

func (s *Server) completar(w http.ResponseWriter, r *http.Request) {
	var req occupationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if problems := req.validate(true); len(problems) != 0 {
		s.writeValidation(w, problems)
		return
	}
	var op, _ = model.ParseOperation(req.Operacion)
	if err := s.workflow.Completar(r.Context(), req.TagSpool, req.WorkerID, op); err != nil {
		s.writeError(w, err, "/v4/occupation/finalizar")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tag_spool": req.TagSpool, "completado": true})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	var body = map[string]any{"status": "ok"}
	if degraded, at := s.audit.Degraded(); degraded {
		body["status"] = "degraded"
		body["audit_degraded"] = true
		body["audit_failed_at"] = at.Format(model.DateTimeLayout)
	}
	if s.rate != nil {
		body["write_rpm"] = s.rate.RPM()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return false
	}
	return true
}

func (s *Server) writeValidation(w http.ResponseWriter, problems map[string]string) {
	s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":  "validation failed",
		"fields": problems,
	})
}

// writeError maps a domain error kind onto a status code. |otherSurface| is
// the endpoint named in wrong-generation responses so clients can redirect.
func (s *Server) writeError(w http.ResponseWriter, err error, otherSurface string) {
	var body = map[string]any{"error": err.Error()}
	var status int

	var race *workflow.RaceError
	switch {
	case errors.As(err, &race):
		status = http.StatusConflict
		body["error_kind"] = "RACE_CONDITION"
		body["unavailable_unions"] = race.UnavailableUnions
		body["available_count"] = race.AvailableCount
		body["requested_count"] = race.RequestedCount
	case errors.Is(err, model.ErrSpoolNotFound),
		errors.Is(err, model.ErrUnionNotFound),
		errors.Is(err, model.ErrWorkerNotFound):
		status = http.StatusNotFound
		body["error_kind"] = "NOT_FOUND"
	case errors.Is(err, model.ErrNotAuthorized), errors.Is(err, model.ErrNotOwner):
		status = http.StatusForbidden
		body["error_kind"] = "NOT_AUTHORIZED"
	case errors.Is(err, model.ErrSpoolOccupied):
		status = http.StatusConflict
		body["error_kind"] = "SPOOL_OCCUPIED"
	case errors.Is(err, model.ErrVersionConflict):
		status = http.StatusConflict
		body["error_kind"] = "VERSION_CONFLICT"
	case errors.Is(err, model.ErrNotHeld):
		status = http.StatusConflict
		body["error_kind"] = "NO_SESSION"
	case errors.Is(err, model.ErrWrongVersion):
		status = http.StatusBadRequest
		body["error_kind"] = "WRONG_VERSION"
		if otherSurface != "" {
			body["correct_endpoint"] = otherSurface
		}
	case errors.Is(err, model.ErrArmPrerequisite):
		status = http.StatusForbidden
		body["error_kind"] = "ARM_PREREQUISITE"
	case errors.Is(err, model.ErrInvalidState):
		status = http.StatusBadRequest
		body["error_kind"] = "INVALID_STATE"
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		body["error_kind"] = "STORE_UNAVAILABLE"
	case errors.Is(err, model.ErrSchemaInvalid):
		status = http.StatusServiceUnavailable
		body["error_kind"] = "SCHEMA_INVALID"
	default:
		status = http.StatusInternalServerError
		body["error_kind"] = "INTERNAL"
		log.WithField("err", err).Error("unmapped handler error")
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Error("encoding response")
	}
}
