package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"vigil/internal/audit"
	"vigil/internal/engine"
	"vigil/internal/guardian"
	"vigil/internal/ledger"
	"vigil/internal/types"
)

type fakeEngine struct {
	submitted []types.OrderIntent
	submitErr error
	groups    []engine.GroupView
}

func (f *fakeEngine) Submit(_ context.Context, intent types.OrderIntent) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, intent)
	return "exec-1", nil
}

func (f *fakeEngine) Groups(context.Context) ([]engine.GroupView, error) { return f.groups, nil }

func (f *fakeEngine) Group(_ context.Context, id string) (engine.GroupView, bool, error) {
	for _, g := range f.groups {
		if g.ExecID == id {
			return g, true, nil
		}
	}
	return engine.GroupView{}, false, nil
}

func (f *fakeEngine) Health() engine.HealthSnapshot {
	return engine.HealthSnapshot{Mode: types.ModeRunning, OpenOrders: 2, At: time.Now()}
}

type fakeGuardian struct {
	status      guardian.Status
	overrides   []string
	overrideErr error
	cancels     []string
	flattens    []string
}

func (f *fakeGuardian) Status() guardian.Status { return f.status }

func (f *fakeGuardian) Override(_ context.Context, mode types.Mode, reason string) error {
	if f.overrideErr != nil {
		return f.overrideErr
	}
	f.overrides = append(f.overrides, fmt.Sprintf("%s:%s", mode, reason))
	return nil
}

func (f *fakeGuardian) CancelAll(reason string)  { f.cancels = append(f.cancels, reason) }
func (f *fakeGuardian) FlattenAll(reason string) { f.flattens = append(f.flattens, reason) }

type fakeBook struct{ entries []ledger.PositionEntry }

func (f *fakeBook) Positions() []ledger.PositionEntry { return f.entries }

type fakeLog struct{ events []audit.Event }

func (f *fakeLog) Recent(limit int) ([]audit.Event, error) {
	if limit > len(f.events) {
		limit = len(f.events)
	}
	return f.events[:limit], nil
}

type fixture struct {
	srv *Server
	eng *fakeEngine
	grd *fakeGuardian
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	eng := &fakeEngine{}
	grd := &fakeGuardian{status: guardian.Status{Mode: types.ModeRunning, Since: time.Now()}}
	cfg := Config{
		Addr:         ":0",
		AuthDisabled: true,
		Engine:       eng,
		Guardian:     grd,
		Book:         &fakeBook{},
		Log:          &fakeLog{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return &fixture{srv: srv, eng: eng, grd: grd}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthzReportsMode(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "RUNNING", gjson.Get(w.Body.String(), "mode").String())
}

func TestSubmitIntentAccepted(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/intents",
		`{"symbol":"IF2409","side":"buy","offset":"open","quantity":"5","limit_price":"4000.2","slice_qty":"2"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "exec-1", gjson.Get(w.Body.String(), "exec_id").String())

	require.Len(t, f.eng.submitted, 1)
	got := f.eng.submitted[0]
	require.Equal(t, "IF2409", got.Symbol)
	require.True(t, got.Quantity.Equal(decimal.NewFromInt(5)))
	require.Equal(t, "4000.2", got.LimitPrice.String())
	require.Equal(t, "2", got.SliceQty.String())
}

func TestSubmitIntentNumericQuantity(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/intents",
		`{"symbol":"IF2409","side":"sell","offset":"close","quantity":3}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.True(t, f.eng.submitted[0].Quantity.Equal(decimal.NewFromInt(3)))
}

func TestSubmitIntentSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing side", `{"symbol":"IF2409","offset":"open","quantity":"5"}`},
		{"bad side", `{"symbol":"IF2409","side":"long","offset":"open","quantity":"5"}`},
		{"unknown field", `{"symbol":"IF2409","side":"buy","offset":"open","quantity":"5","price":"1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			w := f.do(t, http.MethodPost, "/api/intents", tc.body, nil)
			require.Equal(t, http.StatusUnprocessableEntity, w.Code)
			require.Empty(t, f.eng.submitted)
		})
	}
}

func TestSubmitIntentMalformedJSON(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/intents", `{"symbol":`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitIntentEngineRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.submitErr = fmt.Errorf("%w: mode REDUCE_ONLY rejects new intents", engine.ErrRejected)
	w := f.do(t, http.MethodPost, "/api/intents",
		`{"symbol":"IF2409","side":"buy","offset":"open","quantity":"5"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "REJECTED", gjson.Get(w.Body.String(), "code").String())
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AuthDisabled = false
		c.JWTSecret = "sekret"
	})

	w := f.do(t, http.MethodPost, "/api/guardian/cancel-all", `{"reason":"drill"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := GenerateToken("ops", "sekret", time.Hour)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/api/guardian/cancel-all", `{"reason":"drill"}`,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.grd.cancels, 1)
	require.Contains(t, f.grd.cancels[0], "drill")
	require.Contains(t, f.grd.cancels[0], "ops")
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AuthDisabled = false
		c.JWTSecret = "sekret"
	})
	token, err := GenerateToken("ops", "other", time.Hour)
	require.NoError(t, err)
	w := f.do(t, http.MethodPost, "/api/guardian/flatten-all", `{}`,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOverrideMode(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/guardian/mode", `{"mode":"manual","reason":"maintenance"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.grd.overrides, 1)
	require.Equal(t, "MANUAL:maintenance", f.grd.overrides[0])
}

func TestOverrideModeRequiresReason(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/guardian/mode", `{"mode":"halted"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, f.grd.overrides)
}

func TestOverrideModeIllegalTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.grd.overrideErr = fmt.Errorf("illegal transition HALTED -> REDUCE_ONLY")
	w := f.do(t, http.MethodPost, "/api/guardian/mode", `{"mode":"reduce_only","reason":"x"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestGroupLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.groups = []engine.GroupView{{
		ExecID: "exec-7",
		Intent: types.OrderIntent{Symbol: "IF2409", Side: types.SideBuy, Offset: types.OffsetOpen,
			Quantity: decimal.NewFromInt(5)},
		State:     engine.GroupActive,
		Filled:    decimal.NewFromInt(2),
		Remaining: decimal.NewFromInt(3),
	}}

	w := f.do(t, http.MethodGet, "/api/groups/exec-7", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "3", gjson.Get(w.Body.String(), "remaining").String())

	w = f.do(t, http.MethodGet, "/api/groups/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPositionsRender(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Book = &fakeBook{entries: []ledger.PositionEntry{{
			Symbol: "IF2409", NetQty: decimal.NewFromInt(-4), AvgCost: decimal.NewFromFloat(4001.5),
		}}}
	})
	w := f.do(t, http.MethodGet, "/api/positions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "-4", gjson.Get(w.Body.String(), "positions.0.net_qty").String())
}

func TestAuditEventsLimit(t *testing.T) {
	events := make([]audit.Event, 5)
	for i := range events {
		events[i] = audit.Event{Seq: uint64(i + 1), Type: audit.EventFSMTransition}
	}
	f := newFixture(t, func(c *Config) { c.Log = &fakeLog{events: events} })

	w := f.do(t, http.MethodGet, "/api/audit/events?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, gjson.Get(w.Body.String(), "events").Array(), 2)

	w = f.do(t, http.MethodGet, "/api/audit/events?limit=0", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
