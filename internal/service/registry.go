// Package service hosts the business collaborators behind the workflow
// engine: a dispatching registry with per-service circuit breaking, and the
// in-memory reference services (taxpayer directory, registrar, calculator).
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// Handler is one named business service.
type Handler interface {
	Call(ctx context.Context, method string, params map[string]any) (*model.ServiceReply, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, method string, params map[string]any) (*model.ServiceReply, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, method string, params map[string]any) (*model.ServiceReply, error) {
	return f(ctx, method, params)
}

// Registry dispatches workflow service calls to registered handlers. Each
// service gets its own circuit breaker so one failing collaborator cannot
// take the rest of the catalog with it, and every call is bounded by the
// configured timeout. Business-level failures (Success=false replies) do
// not count against the breaker; only transport-level errors do.
type Registry struct {
	timeout time.Duration
	breaker config.BreakerConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates an empty service registry.
func NewRegistry(cfg config.ServicesConfig, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	breaker := cfg.Breaker
	if breaker.MinRequests == 0 {
		breaker.MinRequests = 5
	}
	if breaker.FailureRatio == 0 {
		breaker.FailureRatio = 0.6
	}
	return &Registry{
		timeout:  cfg.CallTimeout,
		breaker:  breaker,
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[string]Handler),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register adds a named service to the registry.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a method on a registered service through its breaker.
func (r *Registry) Call(ctx context.Context, service, method string, params map[string]any) (*model.ServiceReply, error) {
	r.mu.RLock()
	h, ok := r.handlers[service]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundFault(fmt.Sprintf("service %q not registered", service))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := r.breakerFor(service).Execute(func() (any, error) {
		return h.Call(ctx, method, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, model.NewServiceFault(fmt.Sprintf("service %q unavailable", service), err)
	}
	if err != nil {
		return nil, err
	}
	reply, _ := out.(*model.ServiceReply)
	return reply, nil
}

func (r *Registry) breakerFor(service string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[service]; ok {
		return cb
	}

	cfg := r.breaker
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("service circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			r.metrics.SetServiceCircuitBreakerState(name, breakerStateValue(to))
		},
	})
	r.breakers[service] = cb
	return cb
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
