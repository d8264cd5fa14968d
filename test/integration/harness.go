// Package integration provides a reusable test harness for end-to-end
// testing of the bandflow server. It starts the full HTTP router backed by
// a schema server, the workflow engine, a Redis idempotency store, and
// optionally an in-process STOMP broker.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/bandflow/internal/capability"
	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/internal/idempotency"
	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/internal/realtime"
	"github.com/pitabwire/bandflow/internal/schema"
	"github.com/pitabwire/bandflow/internal/transport"
	"github.com/pitabwire/bandflow/internal/workflow"
	"github.com/pitabwire/bandflow/model"
)

// TestHarness encapsulates a fully wired bandflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Schemas          *SchemaServer
	Redis            *miniredis.Miniredis
	WorkflowStore    *workflow.MemoryWorkflowStore
	WorkflowEngine   *workflow.Engine
	IdempotencyStore *idempotency.RedisStore
	Broker           *Broker
	Realtime         *realtime.Client

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile      string
	realtimeEnabled bool
	docs            map[string]string
}

// WithPolicyFile sets the role policy YAML file.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithRealtime starts a STOMP broker and connects the server to it.
func WithRealtime() HarnessOption {
	return func(c *harnessConfig) {
		c.realtimeEnabled = true
	}
}

// WithSchema serves an additional schema document at path.
func WithSchema(path, doc string) HarnessOption {
	return func(c *harnessConfig) {
		c.docs[path] = doc
	}
}

// NewTestHarness creates and starts a full bandflow test instance. The
// server is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{docs: DefaultSchemas()}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t)
	h := &TestHarness{t: t, issuer: newTokenIssuer()}

	// Step 1: Build config.
	h.cfg = config.Defaults()
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.PolicyFile = hc.policyFile
	h.cfg.Idempotency.Store.DefaultTTL = time.Hour

	// Step 2: Serve schemas and build the engine.
	h.Schemas = NewSchemaServer(t, hc.docs)
	h.cfg.Schema.BaseURL = h.Schemas.URL
	loader := schema.NewLoader(h.cfg.Schema, schema.NewMemoryCache(time.Minute), logger, nil)
	h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	h.WorkflowEngine = workflow.NewEngine(loader, h.WorkflowStore, workflow.WithLogger(logger))

	// Step 3: Idempotency backed by an in-process Redis.
	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h.IdempotencyStore = idempotency.NewRedisStore(rdb)

	// Step 4: Capability policy.
	policy, err := capability.LoadPolicy(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}

	deps := transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		Authorize:    policy,
		Idempotency:  h.IdempotencyStore,
		Workflows:    h.WorkflowEngine,
		Readiness: observability.ReadinessChecks{
			WorkflowStore: h.WorkflowStore,
			Idempotency:   h.IdempotencyStore,
		},
	}

	// Step 5: Realtime broker and client.
	if hc.realtimeEnabled {
		h.Broker = NewBroker(t)
		h.cfg.Realtime.Enabled = true
		h.cfg.Realtime.BrokerURL = h.Broker.URL()
		h.cfg.Realtime.HeartbeatIncoming = 0
		h.cfg.Realtime.HeartbeatOutgoing = 0
		h.Realtime = realtime.NewClient(realtime.NewStompDialer(h.cfg.Realtime),
			realtime.WithLogger(logger),
			realtime.WithReconnectDelay(20*time.Millisecond),
		)
		t.Cleanup(h.Realtime.Disconnect)
		if err := h.Realtime.Connect(context.Background(), ""); err != nil {
			t.Fatalf("connect realtime: %v", err)
		}
		deps.Realtime = h.Realtime
		deps.Readiness.Realtime = h.Realtime
	}

	// Step 6: Start test server.
	h.server = httptest.NewServer(transport.NewRouter(deps))
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Watch subscribes an independent broker client to destination and returns
// the recorder collecting what arrives there.
func (h *TestHarness) Watch(destination string) *Recorder {
	h.t.Helper()
	if h.Broker == nil {
		h.t.Fatal("Watch requires WithRealtime")
	}
	c := realtime.NewClient(realtime.NewStompDialer(h.cfg.Realtime))
	h.t.Cleanup(c.Disconnect)

	ctx := context.Background()
	rec := &Recorder{}
	if err := c.Subscribe(ctx, destination, rec.handle, nil); err != nil {
		h.t.Fatalf("subscribe %s: %v", destination, err)
	}

	// A probe that comes back proves the broker registered the subscription.
	if err := c.Send(ctx, destination, map[string]string{"type": "PROBE"}, nil); err != nil {
		h.t.Fatalf("probe %s: %v", destination, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rec.Count() == 0 {
		if time.Now().After(deadline) {
			h.t.Fatalf("subscription to %s never became active", destination)
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.reset()
	return rec
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// StudentClaims returns TestClaims for a student.
func StudentClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-student",
		Email:     "student@school.edu",
		Roles:     []string{model.RoleStudent},
	}
}

// DirectorClaims returns TestClaims for a band director.
func DirectorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-director",
		Email:     "director@school.edu",
		Roles:     []string{model.RoleBandDirector},
	}
}

// ManagerClaims returns TestClaims for an equipment manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		Email:     "manager@school.edu",
		Roles:     []string{model.RoleEquipmentManager},
	}
}

// SupervisorClaims returns TestClaims for a supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-supervisor",
		Email:     "supervisor@school.edu",
		Roles:     []string{model.RoleSupervisor},
	}
}

// --- Schema server ---

// CheckoutSchemaPath is the path of the default checkout schema.
const CheckoutSchemaPath = "/schemas/equipment-checkout.json"

// DefaultSchemas returns the schema documents every harness serves.
func DefaultSchemas() map[string]string {
	return map[string]string{
		CheckoutSchemaPath: `{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type": "object",
			"title": "Equipment Checkout",
			"x-workflow": "equipment-checkout",
			"x-stages": ["equipmentCheckout", "directorApproval", "return"],
			"x-default-assignee-user": "manager@school.edu",
			"properties": {
				"student": {"$ref": "./common/student.json"}
			}
		}`,
		"/schemas/common/student.json": `{"type":"object","properties":{"id":{"type":"string"}}}`,
	}
}

// SchemaServer serves schema documents by path and counts requests.
type SchemaServer struct {
	*httptest.Server

	mu       sync.Mutex
	docs     map[string]string
	requests map[string]int
}

// NewSchemaServer starts a schema server for docs.
func NewSchemaServer(t *testing.T, docs map[string]string) *SchemaServer {
	t.Helper()
	s := &SchemaServer{docs: docs, requests: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		body, ok := s.docs[r.URL.Path]
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

// Requests returns how often path was fetched.
func (s *SchemaServer) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// --- Realtime recorder ---

// Recorder collects realtime messages.
type Recorder struct {
	mu   sync.Mutex
	msgs []model.RealtimeMessage
}

func (r *Recorder) handle(_ context.Context, msg model.RealtimeMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *Recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

// Messages returns a copy of everything received so far.
func (r *Recorder) Messages() []model.RealtimeMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RealtimeMessage(nil), r.msgs...)
}

// Count returns the number of messages received.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}
