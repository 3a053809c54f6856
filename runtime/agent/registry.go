package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/runtime/telemetry"
)

// ErrStarted reports registration or start on a registry that has already
// started its agents.
var ErrStarted = fault.Permanent(errors.New("agent: registry already started"))

// defaultStartLimit bounds how many agents start concurrently.
const defaultStartLimit = 4

// Registry wires agents to the bus and drives their lifecycle.
type Registry struct {
	bus        *bus.Bus
	logger     telemetry.Logger
	startLimit int

	mu      sync.Mutex
	agents  []Agent
	byName  map[string]Agent
	subs    map[string][]*bus.Subscription
	started bool
}

// RegistryOption configures a registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStartLimit bounds concurrent agent starts.
func WithStartLimit(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.startLimit = n
		}
	}
}

// NewRegistry builds a registry over the bus.
func NewRegistry(b *bus.Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:        b,
		logger:     telemetry.NewNoopLogger(),
		startLimit: defaultStartLimit,
		byName:     make(map[string]Agent),
		subs:       make(map[string][]*bus.Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records the agent and wires its subscriptions to the bus.
// Registration is rejected after StartAll and for duplicate names.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Name() == "" {
		return fault.Validation(errors.New("agent: missing name"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	name := a.Name()
	if _, ok := r.byName[name]; ok {
		return fault.Validation(fmt.Errorf("agent: %q already registered", name))
	}

	var wired []*bus.Subscription
	for _, spec := range a.Subscriptions() {
		opts := append([]bus.SubscribeOption{bus.WithSubscriberName(name)}, spec.Options...)
		sub, err := r.bus.Subscribe(spec.EventType, spec.Handler, opts...)
		if err != nil {
			for _, s := range wired {
				s.Unsubscribe()
			}
			return fmt.Errorf("agent: wire %s to %s: %w", name, spec.EventType, err)
		}
		wired = append(wired, sub)
	}

	r.agents = append(r.agents, a)
	r.byName[name] = a
	r.subs[name] = wired
	return nil
}

// StartAll starts every registered agent with bounded parallelism. The
// first failure cancels the remaining starts, stops the agents that did
// start in reverse registration order, and is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrStarted
	}
	r.started = true
	agents := make([]Agent, len(r.agents))
	copy(agents, r.agents)
	r.mu.Unlock()

	var (
		mu      sync.Mutex
		running = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.startLimit)
	for _, a := range agents {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r.logger.Info(gctx, "starting agent", "agent", a.Name())
			if err := a.Start(gctx); err != nil {
				return fmt.Errorf("agent: start %s: %w", a.Name(), err)
			}
			mu.Lock()
			running[a.Name()] = true
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i := len(agents) - 1; i >= 0; i-- {
			a := agents[i]
			if !running[a.Name()] {
				continue
			}
			if stopErr := a.Stop(ctx); stopErr != nil {
				r.logger.Error(ctx, "rollback stop failed", "agent", a.Name(), "err", stopErr)
			}
		}
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return err
	}
	return nil
}

// StopAll stops every agent in reverse registration order. Each agent's
// subscriptions are removed before its Stop runs so no new deliveries race
// the shutdown. All agents are attempted; errors are joined.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	agents := make([]Agent, len(r.agents))
	copy(agents, r.agents)
	subs := r.subs
	r.started = false
	r.mu.Unlock()

	var errs []error
	for i := len(agents) - 1; i >= 0; i-- {
		a := agents[i]
		for _, s := range subs[a.Name()] {
			s.Unsubscribe()
		}
		r.logger.Info(ctx, "stopping agent", "agent", a.Name())
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("agent: stop %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Health reports every registered agent's self-assessment.
func (r *Registry) Health(ctx context.Context) map[string]Health {
	r.mu.Lock()
	agents := make([]Agent, len(r.agents))
	copy(agents, r.agents)
	r.mu.Unlock()

	out := make(map[string]Health, len(agents))
	for _, a := range agents {
		out[a.Name()] = a.Health(ctx)
	}
	return out
}

// Names lists registered agents in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		names = append(names, a.Name())
	}
	return names
}
