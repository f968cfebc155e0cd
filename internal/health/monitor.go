// Package health runs the scheduled provider reachability probe.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/service/orchestrator"
	apperrors "github.com/acme/masked-call/pkg/errors"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Checker is satisfied by the orchestrator.
type Checker interface {
	CheckServiceHealth(ctx context.Context) map[domain.Provider]orchestrator.ProviderHealth
}

// Snapshot is the result of the most recent probe.
type Snapshot struct {
	CheckedAt time.Time                                       `json:"checked_at"`
	Providers map[domain.Provider]orchestrator.ProviderHealth `json:"providers"`
}

// Monitor probes every provider on a cron schedule and logs reachability.
type Monitor struct {
	checker  Checker
	schedule cron.Schedule
	logger   *zap.Logger
	timeout  time.Duration

	mu   sync.RWMutex
	last *Snapshot
}

// NewMonitor parses the schedule up front so a bad expression fails at startup.
func NewMonitor(checker Checker, schedule string, timeout time.Duration, logger *zap.Logger) (*Monitor, error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: health monitor needs a checker", apperrors.ErrConfiguration)
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: health schedule %q: %v", apperrors.ErrConfiguration, schedule, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{checker: checker, schedule: sched, logger: logger, timeout: timeout}, nil
}

// Run probes once immediately and then on every scheduled tick until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(m.schedule, cron.FuncJob(func() { m.Probe(ctx) }))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// Probe runs a single round of provider checks and records the snapshot.
func (m *Monitor) Probe(ctx context.Context) Snapshot {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ctx, span := otel.Tracer("maskedcall.health").Start(pctx, "health.probe")
	defer span.End()

	results := m.checker.CheckServiceHealth(ctx)
	snap := Snapshot{CheckedAt: time.Now().UTC(), Providers: results}

	providers := make([]string, 0, len(results))
	for p := range results {
		providers = append(providers, p.String())
	}
	sort.Strings(providers)

	unreachable := 0
	for _, name := range providers {
		h := results[domain.Provider(name)]
		if h.Reachable {
			m.logger.Info("health: provider reachable", zap.String("provider", name), zap.Int64("latency_ms", h.LatencyMs))
			continue
		}
		unreachable++
		m.logger.Warn("health: provider unreachable", zap.String("provider", name), zap.String("error", h.LastError))
	}
	span.SetAttributes(
		attribute.Int("providers.total", len(results)),
		attribute.Int("providers.unreachable", unreachable),
	)

	m.mu.Lock()
	m.last = &snap
	m.mu.Unlock()
	return snap
}

// Last returns the most recent snapshot, if any probe has run.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return *m.last, true
}
