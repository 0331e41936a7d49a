package services

import (
	"github.com/fyrsmithlabs/drover/internal/agent"
	"github.com/fyrsmithlabs/drover/internal/completion"
	"github.com/fyrsmithlabs/drover/internal/engine"
	"github.com/fyrsmithlabs/drover/internal/events"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/poller"
	"github.com/fyrsmithlabs/drover/internal/recovery"
	"github.com/fyrsmithlabs/drover/internal/store"
	"github.com/fyrsmithlabs/drover/internal/tracking"
)

// Registry provides access to all drover components.
// Use accessor methods to retrieve individual components.
type Registry interface {
	Store() store.Store
	Gateway() gateway.Gateway
	Tracker() tracking.Tracker
	Detector() completion.Detector
	Engine() engine.Engine
	Poller() poller.Poller
	Recovery() recovery.Recovery
	Invoker() agent.Invoker
	Publisher() events.Publisher
}

// Options configures the registry with component instances.
type Options struct {
	Store     store.Store
	Gateway   gateway.Gateway
	Tracker   tracking.Tracker
	Detector  completion.Detector
	Engine    engine.Engine
	Poller    poller.Poller
	Recovery  recovery.Recovery
	Invoker   agent.Invoker
	Publisher events.Publisher
}

// registry is the concrete implementation of Registry.
type registry struct {
	store     store.Store
	gateway   gateway.Gateway
	tracker   tracking.Tracker
	detector  completion.Detector
	engine    engine.Engine
	poller    poller.Poller
	recovery  recovery.Recovery
	invoker   agent.Invoker
	publisher events.Publisher
}

// NewRegistry creates a new component registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:     opts.Store,
		gateway:   opts.Gateway,
		tracker:   opts.Tracker,
		detector:  opts.Detector,
		engine:    opts.Engine,
		poller:    opts.Poller,
		recovery:  opts.Recovery,
		invoker:   opts.Invoker,
		publisher: opts.Publisher,
	}
}

func (r *registry) Store() store.Store            { return r.store }
func (r *registry) Gateway() gateway.Gateway      { return r.gateway }
func (r *registry) Tracker() tracking.Tracker     { return r.tracker }
func (r *registry) Detector() completion.Detector { return r.detector }
func (r *registry) Engine() engine.Engine         { return r.engine }
func (r *registry) Poller() poller.Poller         { return r.poller }
func (r *registry) Recovery() recovery.Recovery   { return r.recovery }
func (r *registry) Invoker() agent.Invoker        { return r.invoker }
func (r *registry) Publisher() events.Publisher   { return r.publisher }
