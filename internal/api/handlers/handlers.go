package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/health"
	"github.com/acme/masked-call/internal/repository"
	"github.com/acme/masked-call/internal/service/orchestrator"
	"github.com/acme/masked-call/internal/service/webhook"
)

// CallService is the orchestrator surface the API exposes.
type CallService interface {
	InitiateMaskedCall(ctx context.Context, callerNumber, ownerNumber, webhookBaseURL string) (*domain.CallSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	CancelSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	ServiceInfo() orchestrator.ServiceInfo
	CheckServiceHealth(ctx context.Context) map[domain.Provider]orchestrator.ProviderHealth
}

// WebhookService applies provider callbacks.
type WebhookService interface {
	HandleWebhook(ctx context.Context, provider string, rawBody []byte, signature, callbackURL string) (*webhook.Ack, error)
	AuditTrail(ctx context.Context, provider, ref string, limit int, pagingState []byte) ([]repository.WebhookAuditRecord, []byte, error)
	SignatureHeader(provider string) string
}

// HealthSnapshots exposes the last scheduled provider probe.
type HealthSnapshots interface {
	Last() (health.Snapshot, bool)
}

// Dependencies for the handler bundle. Pingers back /healthz; Health is
// optional and only set when the scheduled probe runs.
type Dependencies struct {
	Calls          CallService
	Webhooks       WebhookService
	Health         HealthSnapshots
	Pingers        map[string]func(context.Context) error
	WebhookBaseURL string
	Logger         *zap.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	calls       CallService
	webhooks    WebhookService
	snapshots   HealthSnapshots
	pingers     map[string]func(context.Context) error
	webhookBase string
	logger      *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &HandlerSet{
		calls:       deps.Calls,
		webhooks:    deps.Webhooks,
		snapshots:   deps.Health,
		pingers:     deps.Pingers,
		webhookBase: deps.WebhookBaseURL,
		logger:      lg,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	app.Post("/webhooks/:provider", h.receiveWebhook)

	v1 := app.Group("/api").Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.initiateCall)
	calls.Get("/:id", h.getCall)
	calls.Post("/:id/cancel", h.cancelCall)

	service := v1.Group("/service")
	service.Get("/info", h.serviceInfo)
	service.Get("/health", h.serviceHealth)

	v1.Get("/webhooks/:provider/:ref/events", h.webhookEvents)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal error"

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.pingers))
	for name := range h.pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]string)
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, ping func(context.Context) error) {
			defer wg.Done()
			if err := ping(healthCtx); err != nil {
				mu.Lock()
				errs[name] = err.Error()
				mu.Unlock()
			}
		}(name, h.pingers[name])
	}
	wg.Wait()

	status := fiber.StatusOK
	label := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		label = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": label, "errors": errs})
}
