package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/bandflow/internal/capability"
	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	return Dependencies{Config: config.Defaults()}
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps := testDeps()
	deps.Readiness = observability.ReadinessChecks{
		WorkflowStore: observability.HealthCheckFunc(func(context.Context) error { return nil }),
	}
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_notReady(t *testing.T) {
	deps := testDeps()
	deps.Readiness = observability.ReadinessChecks{
		Realtime: observability.HealthCheckFunc(func(context.Context) error {
			return errors.New("broker disconnected")
		}),
	}
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_authenticatedRoutes_areRegistered(t *testing.T) {
	// With auth rejecting all requests, all authenticated routes should
	// return 401, confirming they are registered and not 404/405.
	rejectAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("rejected"))
		})
	}

	deps := testDeps()
	deps.Authenticate = rejectAuth
	deps.Workflows = newTestEngine(t)
	deps.Realtime = &fakeRealtime{}
	r := NewRouter(deps)

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/api/workflows"},
		{"GET", "/api/workflows"},
		{"GET", "/api/workflows/wf_1"},
		{"GET", "/api/workflows/wf_1/progress"},
		{"PATCH", "/api/workflows/wf_1/data"},
		{"POST", "/api/workflows/wf_1/stages"},
		{"POST", "/api/workflows/wf_1/pause"},
		{"POST", "/api/workflows/wf_1/resume"},
		{"POST", "/api/workflows/wf_1/complete"},
		{"POST", "/api/workflows/wf_1/cancel"},
		{"GET", "/api/realtime/status"},
		{"POST", "/api/equipment/eq-1/status"},
		{"POST", "/api/assignments/checkout"},
		{"POST", "/api/assignments/return"},
		{"POST", "/api/maintenance"},
		{"POST", "/api/dashboard/refresh"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_realtimeDisabled(t *testing.T) {
	deps := testDeps()
	deps.Workflows = newTestEngine(t)
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/realtime/status", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_publicRoutesBypassAuth(t *testing.T) {
	rejectAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("rejected"))
		})
	}
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}

func TestNewRouter_capabilities(t *testing.T) {
	policy := capability.DefaultPolicy()
	tests := []struct {
		name   string
		roles  []string
		method string
		path   string
		body   string
		want   int
	}{
		{"student lists workflows", []string{"STUDENT"}, "GET", "/api/workflows", "", http.StatusOK},
		{"student cannot cancel", []string{"STUDENT"}, "POST", "/api/workflows/wf_1/cancel", "", http.StatusForbidden},
		{"student cannot check out", []string{"STUDENT"}, "POST", "/api/assignments/checkout", "{}", http.StatusForbidden},
		{"director cancels", []string{"BAND_DIRECTOR"}, "POST", "/api/workflows/wf_1/cancel", "", http.StatusNotFound},
		{"director cannot schedule maintenance", []string{"BAND_DIRECTOR"}, "POST", "/api/maintenance", "{}", http.StatusForbidden},
		{"manager schedules maintenance", []string{"EQUIPMENT_MANAGER"}, "POST", "/api/maintenance",
			`{"equipmentId":"tuba-2","maintenanceType":"valve oil","scheduledDate":"2026-11-03"}`, http.StatusAccepted},
		{"supervisor reads status", []string{"SUPERVISOR"}, "GET", "/api/realtime/status", "", http.StatusOK},
		{"no roles", nil, "GET", "/api/workflows", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			deps.Authenticate = asUser("user@school.edu", tt.roles...)
			deps.Authorize = policy
			deps.Workflows = newTestEngine(t)
			deps.Realtime = &fakeRealtime{}
			r := NewRouter(deps)

			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
}

func TestRequestID_generated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("correlation ID not set in context")
	}
	if got := w.Header().Get("X-Correlation-Id"); got != seen {
		t.Errorf("header = %q, context = %q", got, seen)
	}
}

func TestRequestID_propagated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "corr-123" {
		t.Errorf("correlation ID = %q, want corr-123", seen)
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestBuildRequestContext(t *testing.T) {
	var rctx *model.RequestContext
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer tok-abc")
	ctx := WithClaims(req.Context(), map[string]any{
		"sub":   "user-1",
		"email": "student@school.edu",
		"roles": []any{"STUDENT", 7},
	})
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	if rctx == nil {
		t.Fatal("RequestContext not set")
	}
	if rctx.SubjectID != "user-1" || rctx.Email != "student@school.edu" {
		t.Errorf("identity = %q/%q", rctx.SubjectID, rctx.Email)
	}
	if len(rctx.Roles) != 1 || rctx.Roles[0] != "STUDENT" {
		t.Errorf("roles = %v", rctx.Roles)
	}
	if rctx.Token != "tok-abc" {
		t.Errorf("token = %q", rctx.Token)
	}
}

func TestBuildRequestContext_customPaths(t *testing.T) {
	var rctx *model.RequestContext
	handler := BuildRequestContext(map[string]string{
		"subject_id": "uid",
		"email":      "mail",
		"roles":      "role",
	})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	ctx := WithClaims(req.Context(), map[string]any{
		"uid":  "u-9",
		"mail": "manager@school.edu",
		"role": "EQUIPMENT_MANAGER",
	})
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	if rctx == nil || rctx.SubjectID != "u-9" || rctx.Email != "manager@school.edu" {
		t.Fatalf("rctx = %+v", rctx)
	}
	if len(rctx.Roles) != 1 || rctx.Roles[0] != "EQUIPMENT_MANAGER" {
		t.Errorf("roles = %v", rctx.Roles)
	}
}

func TestBuildRequestContext_missingClaims(t *testing.T) {
	called := false
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("GET", "/", nil)
	ctx := WithClaims(req.Context(), map[string]any{"sub": "user-1"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req.WithContext(ctx))

	if called {
		t.Error("handler should not run without an email claim")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequestLogging_levels(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusNotFound, zapcore.WarnLevel},
		{http.StatusBadGateway, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		core, logs := observer.New(zapcore.DebugLevel)
		handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/workflows", nil))

		entries := logs.FilterMessage("request").All()
		if len(entries) != 1 {
			t.Fatalf("status %d: %d log entries, want 1", tt.status, len(entries))
		}
		if entries[0].Level != tt.level {
			t.Errorf("status %d logged at %s, want %s", tt.status, entries[0].Level, tt.level)
		}
		if got := entries[0].ContextMap()["status"]; got != int64(tt.status) {
			t.Errorf("status field = %v", got)
		}
	}
}

func TestRequestLogging_contextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("inside")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	ctx := model.WithRequestContext(req.Context(), &model.RequestContext{
		SubjectID: "user-1",
		Email:     "director@school.edu",
	})
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	entries := logs.FilterMessage("inside").All()
	if len(entries) != 1 {
		t.Fatalf("inside entries = %d", len(entries))
	}
	if got := entries[0].ContextMap()["email"]; got != "director@school.edu" {
		t.Errorf("email field = %v", got)
	}
}

func TestMiddlewareOrder_authenticatedRequest(t *testing.T) {
	deps := testDeps()
	deps.Config.Identity.Issuer = "https://auth.school.edu"
	deps.Authenticate = JWTAuthenticator(deps.Config.Identity, testSecret)
	deps.Workflows = newTestEngine(t)
	r := NewRouter(deps)

	token := signJWT(t, jwt.SigningMethodHS256, testSecret, validClaims())
	req := httptest.NewRequest("GET", "/api/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "corr-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Correlation-Id"); got != "corr-7" {
		t.Errorf("correlation header = %q", got)
	}
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
