package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pipefab/spooltrack/go/audit"
	"github.com/pipefab/spooltrack/go/bus"
	"github.com/pipefab/spooltrack/go/locks"
	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/repo"
	"github.com/pipefab/spooltrack/go/sheets/sheetstest"
	"github.com/pipefab/spooltrack/go/versions"
	"github.com/pipefab/spooltrack/go/workflow"
)

type fixture struct {
	srv  *httptest.Server
	fake *sheetstest.Fake
	bus  *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var fake = sheetstest.NewFake()
	fake.SetSheet(repo.WSOperaciones, [][]string{
		{"TAG_SPOOL", "OT", "Fecha_Materiales", "Armador", "Soldador",
			"Fecha_Armado", "Fecha_Soldadura", "Ocupado_Por", "Fecha_Ocupacion",
			"version", "Estado_Detalle", "Total_Uniones", "Uniones_ARM_Completadas",
			"Uniones_SOLD_Completadas", "Pulgadas_ARM", "Pulgadas_SOLD"},
		{"OT-100", "9001", "01-05-2024", "", "", "", "", "", "", "v-100", "", "3", "0", "0", "0", "0"},
		{"OT-LEG", "9004", "02-05-2024", "", "", "", "", "", "", "v-400", "", "0", "0", "0", "0", "0"},
	})
	fake.SetSheet(repo.WSUniones, [][]string{
		{"ID", "TAG_SPOOL", "N_UNION", "DN_UNION", "TIPO_UNION",
			"ARM_FECHA_INICIO", "ARM_FECHA_FIN", "ARM_WORKER",
			"SOL_FECHA_INICIO", "SOL_FECHA_FIN", "SOL_WORKER",
			"NDT_FECHA", "NDT_STATUS", "version",
			"Creado_Por", "Fecha_Creacion", "Modificado_Por", "Fecha_Modificacion"},
		{"OT-100+1", "OT-100", "1", "2.5", "FW", "", "", "", "", "", "", "", "", "u-1", "ENG(1)", "01-05-2024", "", ""},
		{"OT-100+2", "OT-100", "2", "4.0", "BW", "", "", "", "", "", "", "", "", "u-2", "ENG(1)", "01-05-2024", "", ""},
		{"OT-100+3", "OT-100", "3", "1.5", "FW", "", "", "", "", "", "", "", "", "u-3", "ENG(1)", "01-05-2024", "", ""},
	})
	fake.SetSheet(repo.WSTrabajadores, [][]string{
		{"ID", "Iniciales", "Activo", "Roles"},
		{"93", "MR", "TRUE", "ARM,SOLD"},
		{"15", "AL", "TRUE", "METROLOGIA"},
	})
	fake.SetSheet(audit.Worksheet, [][]string{audit.Columns})

	var b = bus.New()
	var auditLog = audit.NewLogger(fake)
	var wf = workflow.New(
		repo.NewSpools(fake, versions.NewService(fake)),
		repo.NewUnions(fake),
		repo.NewWorkers(fake),
		locks.NewMemory(), auditLog, b,
	)
	var server = NewServer(wf, auditLog, b, nil)
	var srv = httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, fake: fake, bus: b}
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf, err = json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	var resp, err = http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestOccupationRoundTrip(t *testing.T) {
	var f = newFixture(t)

	status, body := f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "MR(93)", body["worker"])
	require.Equal(t, float64(3), body["uniones_disponibles"])

	// A second session on the same spool conflicts.
	status, body = f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 15, "operacion": "ARM",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "SPOOL_OCCUPIED", body["error_kind"])

	status, body = f.post(t, "/v4/occupation/finalizar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
		"uniones": []string{"OT-100+1", "OT-100+2", "OT-100+3"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "COMPLETAR", body["action"])
	require.Equal(t, float64(3), body["uniones_procesadas"])
	require.Equal(t, 8.0, body["pulgadas"])
}

func TestFinalizarStrictRace(t *testing.T) {
	var f = newFixture(t)

	status, _ := f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusOK, status)

	status, body := f.post(t, "/v4/occupation/finalizar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
		"uniones": []string{"OT-100+1", "OT-100+99"}, "strict": true,
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "RACE_CONDITION", body["error_kind"])
	require.Equal(t, []any{"OT-100+99"}, body["unavailable_unions"])
	require.Equal(t, float64(3), body["available_count"])
	require.Equal(t, float64(2), body["requested_count"])
}

func TestValidationAndErrorMapping(t *testing.T) {
	var f = newFixture(t)

	// Missing fields are a 422 with per-field problems.
	status, body := f.post(t, "/v4/occupation/iniciar", map[string]any{"operacion": "XX"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	var fields = body["fields"].(map[string]any)
	require.Contains(t, fields, "tag_spool")
	require.Contains(t, fields, "worker_id")
	require.Contains(t, fields, "operacion")

	// A legacy spool on the v4 surface names the redirect.
	status, body = f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-LEG", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "WRONG_VERSION", body["error_kind"])
	require.Equal(t, "/v3/occupation/tomar", body["correct_endpoint"])

	// And the inverse on the v3 surface.
	status, body = f.post(t, "/v3/occupation/tomar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "/v4/occupation/iniciar", body["correct_endpoint"])

	status, body = f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-404", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", body["error_kind"])

	// Finalizing without a session is a conflict, not a 500.
	status, body = f.post(t, "/v4/occupation/finalizar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "NO_SESSION", body["error_kind"])

	// Welding before any ARM completion is forbidden, not malformed.
	status, body = f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "SOLD",
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "ARM_PREREQUISITE", body["error_kind"])

	// A broken worksheet surfaces as a 503, same as an outage. Last case:
	// it corrupts the fixture's store.
	f.fake.SetSheet(repo.WSOperaciones, [][]string{})
	status, body = f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "SCHEMA_INVALID", body["error_kind"])
}

func TestQueriesAndDashboard(t *testing.T) {
	var f = newFixture(t)

	status, body := f.get(t, "/v4/uniones/OT-100/disponibles?operacion=ARM")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["uniones"], 3)

	status, _ = f.get(t, "/v4/uniones/OT-100/disponibles?operacion=NOPE")
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, body = f.get(t, "/v4/uniones/OT-100/metricas")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(3), body["total_uniones"])
	require.Equal(t, 8.0, body["pulgadas_totales"])

	status, body = f.get(t, "/v4/dashboard")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["spools"], 2)
}

func TestMetrologiaEndpointGating(t *testing.T) {
	var f = newFixture(t)

	status, body := f.post(t, "/v4/metrologia/OT-100/resultado", map[string]any{"worker_id": 15})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Contains(t, body["fields"], "aprobado")

	// Without the METROLOGIA role the result is rejected.
	status, body = f.post(t, "/v4/metrologia/OT-100/resultado", map[string]any{
		"worker_id": 93, "aprobado": true,
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "NOT_AUTHORIZED", body["error_kind"])

	// The spool is not pending inspection: invalid transition.
	status, body = f.post(t, "/v4/metrologia/OT-100/resultado", map[string]any{
		"worker_id": 15, "aprobado": true,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_STATE", body["error_kind"])
}

func TestHealthzReportsAuditDegradation(t *testing.T) {
	var f = newFixture(t)

	status, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	// Break the audit sheet and trip a write through a cancelled session.
	f.fake.SetSheet(audit.Worksheet, [][]string{})
	status, _ = f.post(t, "/v4/occupation/iniciar", map[string]any{
		"tag_spool": "OT-100", "worker_id": 93, "operacion": "ARM",
	})
	require.Equal(t, http.StatusOK, status)

	status, body = f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, true, body["audit_degraded"])
}

func TestEventStreamDeliversLiveEvents(t *testing.T) {
	var f = newFixture(t)

	var url = "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v4/events/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; wait for it before publishing.
	require.Eventually(t, func() bool { return f.bus.Len() == 1 }, time.Second, 10*time.Millisecond)
	f.bus.Publish(model.LiveEvent{Type: model.LiveIniciar, TagSpool: "OT-100", Worker: "MR(93)"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt model.LiveEvent
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, model.LiveIniciar, evt.Type)
	require.Equal(t, "OT-100", evt.TagSpool)
}
