// Package schema fetches workflow schema documents from the schema source,
// inlines their $ref pointers and caches the resolved result.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/model"
)

const (
	defaultMaxRefDepth = 32
	maxDocumentBytes   = 10 << 20
	maxResolvedNodes   = 200_000
)

// statusError is returned for non-2xx responses from the schema source.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("schema source returned %s", e.status)
}

// Loader retrieves schemas over HTTP. It is safe for concurrent use.
type Loader struct {
	baseURL  string
	token    string
	maxDepth int
	maxNodes int
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	cache    Cache
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewLoader creates a Loader for the given configuration. A nil cache
// disables caching; nil logger and metrics are allowed.
func NewLoader(cfg config.SchemaConfig, cache Cache, logger *zap.Logger, metrics *observability.Metrics) *Loader {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxDepth := cfg.MaxRefDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxRefDepth
	}

	l := &Loader{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    config.Secret(cfg.TokenEnv),
		maxDepth: maxDepth,
		maxNodes: maxResolvedNodes,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}
	l.breaker = gobreaker.NewCircuitBreaker[[]byte](l.breakerSettings(cfg.CircuitBreaker))
	return l
}

func (l *Loader) breakerSettings(cfg config.CircuitBreakerConfig) gobreaker.Settings {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        "schema-source",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// Client errors and caller cancellations say nothing about the
		// health of the schema source.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *statusError
			return errors.As(err, &se) && se.code < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("schema source circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			l.metrics.SetSchemaCircuitBreakerState(breakerStateValue(to))
		},
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Load fetches the schema at schemaPath, resolves its references and parses
// it. Retrieval failures, non-2xx responses and unparsable bodies yield
// SCHEMA_LOAD_ERROR; reference failures yield REF_RESOLUTION_ERROR.
func (l *Loader) Load(ctx context.Context, schemaPath string) (*model.WorkflowSchema, error) {
	ctx, span := observability.StartSpan(ctx, "schema.load", observability.AttrSchemaPath.String(schemaPath))
	start := time.Now()

	doc, err := l.Resolve(ctx, schemaPath)
	var schema model.WorkflowSchema
	if err == nil {
		if uerr := json.Unmarshal(doc, &schema); uerr != nil {
			err = model.NewSchemaLoadError(schemaPath, uerr)
		}
	}

	status := "success"
	if err != nil {
		status = "error"
		l.logger.Warn("schema load failed",
			zap.String("schema_path", schemaPath),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err),
		)
	}
	l.metrics.RecordSchemaLoad(status, time.Since(start))
	observability.EndSpanWithError(span, err)

	if err != nil {
		return nil, err
	}
	return &schema, nil
}

// Resolve returns the fully resolved schema document at schemaPath as JSON,
// consulting the cache first. Entries are keyed by path alone: the caller's
// token authorizes the fetch but does not select the document.
func (l *Loader) Resolve(ctx context.Context, schemaPath string) ([]byte, error) {
	schemaPath = normalizePath(schemaPath)

	doc, found, err := l.cache.Get(ctx, schemaPath)
	observability.AnnotateSpan(ctx, observability.AttrCacheHit.Bool(found))
	if err != nil {
		l.logger.Warn("schema cache read failed", zap.String("schema_path", schemaPath), zap.Error(err))
	} else if found {
		l.metrics.RecordSchemaCacheHit()
		l.logger.Debug("schema cache hit", zap.String("schema_path", schemaPath))
		return doc, nil
	}
	l.metrics.RecordSchemaCacheMiss()

	root, err := l.fetchJSON(ctx, schemaPath)
	if err != nil {
		return nil, model.NewSchemaLoadError(schemaPath, err)
	}

	resolved, err := newResolver(l, schemaPath, root).resolve(ctx, root, schemaPath, 0, nil)
	if err != nil {
		return nil, err
	}

	doc, err = json.Marshal(resolved)
	if err != nil {
		return nil, model.NewSchemaLoadError(schemaPath, err)
	}
	if err := l.cache.Set(ctx, schemaPath, doc); err != nil {
		l.logger.Warn("schema cache write failed", zap.String("schema_path", schemaPath), zap.Error(err))
	}
	return doc, nil
}

// HealthCheck reports the health of the schema cache.
func (l *Loader) HealthCheck(ctx context.Context) error {
	return l.cache.HealthCheck(ctx)
}

// fetchJSON retrieves and parses a single document without resolving it.
func (l *Loader) fetchJSON(ctx context.Context, path string) (any, error) {
	body, err := l.fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse %s: trailing data after JSON document", path)
	}
	return doc, nil
}

// fetch performs a GET through the circuit breaker.
func (l *Loader) fetch(ctx context.Context, path string) ([]byte, error) {
	ctx, span := observability.StartSpan(ctx, "schema.fetch", observability.AttrSchemaPath.String(path))

	target := l.documentURL(path)
	body, err := l.breaker.Execute(func() ([]byte, error) {
		return l.get(ctx, target)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("schema source unavailable: %w", err)
	}

	observability.EndSpanWithError(span, err)
	return body, err
}

func (l *Loader) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := l.bearerToken(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return nil, &statusError{code: resp.StatusCode, status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return body, nil
}

// bearerToken prefers the caller's credential over the configured fallback.
func (l *Loader) bearerToken(ctx context.Context) string {
	if token := model.TokenFrom(ctx); token != "" {
		return token
	}
	return l.token
}

// documentURL maps a schema path to the URL it is served from. Absolute
// URLs are used as-is.
func (l *Loader) documentURL(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	return l.baseURL + path
}

// normalizePath roots relative schema paths so references resolve the same
// way regardless of how the caller spelled the path.
func normalizePath(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
