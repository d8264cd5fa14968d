package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/internal/idempotency"
	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/internal/realtime"
	"github.com/pitabwire/bandflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	// Authorize guards each API route with a capability. Nil allows every
	// authenticated caller.
	Authorize Authorizer
	// Idempotency records create and publish responses keyed by
	// X-Idempotency-Key. Nil disables replay protection.
	Idempotency idempotency.Store
	Workflows   WorkflowService
	// Realtime is nil when the broker is disabled; its routes are then
	// not registered.
	Realtime  RealtimeService
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(RequestID)
	r.Use(Recovery(logger))
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = passThrough
	}
	can := func(capability string) func(http.Handler) http.Handler {
		if deps.Authorize == nil {
			return passThrough
		}
		return RequireCapability(deps.Authorize, capability)
	}
	once := passThrough
	if deps.Idempotency != nil {
		once = Idempotent(deps.Idempotency, deps.Config.Idempotency.Store.DefaultTTL)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))

		if wf := deps.Workflows; wf != nil {
			r.Route("/workflows", func(r chi.Router) {
				r.With(can(model.CapWorkflowsCreate), once).Post("/", handleWorkflowCreate(wf))
				r.With(can(model.CapWorkflowsView)).Get("/", handleWorkflowList(wf))
				r.Route("/{id}", func(r chi.Router) {
					r.With(can(model.CapWorkflowsView)).Get("/", handleWorkflowGet(wf))
					r.With(can(model.CapWorkflowsView)).Get("/progress", handleWorkflowProgress(wf))
					r.With(can(model.CapWorkflowsUpdate)).Patch("/data", handleWorkflowUpdateData(wf))
					r.With(can(model.CapWorkflowsUpdate)).Post("/stages", handleWorkflowCompleteStage(wf))

					r.Group(func(r chi.Router) {
						r.Use(can(model.CapWorkflowsManage))
						r.Post("/pause", handleWorkflowLifecycle(wf.PauseWorkflow))
						r.Post("/resume", handleWorkflowLifecycle(wf.ResumeWorkflow))
						r.Post("/complete", handleWorkflowLifecycle(wf.CompleteWorkflow))
						r.Post("/cancel", handleWorkflowCancel(wf))
					})
				})
			})
		}

		if rt := deps.Realtime; rt != nil {
			r.With(can(model.CapRealtimeView)).Get("/realtime/status", handleRealtimeStatus(rt))
			r.With(can(model.CapEquipmentStatus), once).Post("/equipment/{id}/status", handleEquipmentStatus(rt))
			r.With(can(model.CapEquipmentCheckout), once).Post("/assignments/checkout", handlePublish(realtime.DestAssignmentCheckout, rt.CheckoutEquipment))
			r.With(can(model.CapEquipmentReturn), once).Post("/assignments/return", handlePublish(realtime.DestAssignmentReturn, rt.ReturnEquipment))
			r.With(can(model.CapMaintenanceSchedule), once).Post("/maintenance", handlePublish(realtime.DestMaintenanceSchedule, rt.ScheduleMaintenance))
			r.With(can(model.CapDashboardRefresh)).Post("/dashboard/refresh", handleDashboardRefresh(rt))
		}
	})

	return r
}

func passThrough(next http.Handler) http.Handler { return next }
