// Package registry is the directory of live machines: auto-creation on
// designated events, rehydration from active storage, eviction, lifecycle
// callbacks, and the runtime-wide wiring that holds the pieces together.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pialmmh/statemachine/pkg/config"
	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/metrics"
	"github.com/pialmmh/statemachine/pkg/observer"
	"github.com/pialmmh/statemachine/pkg/playback"
	"github.com/pialmmh/statemachine/pkg/statemachine"
	"github.com/pialmmh/statemachine/pkg/timeout"
)

// RuntimeContext carries every shared service of one runtime process. It is
// constructed once at startup and passed explicitly; there is no module-level
// mutable state.
type RuntimeContext struct {
	Config    *config.Config
	Logger    core.Logger
	Store     db.Store
	Observers *observer.Bus
	Playback  *playback.Store
	Metrics   *metrics.Runtime

	scheduler *timeout.Scheduler

	mu         sync.RWMutex
	registries map[string]*Registry
	// timeoutOwners routes scheduler fires back to the owning registry. An
	// entry lives as long as its timer.
	timeoutOwners map[string]*Registry
}

// NewRuntimeContext wires the shared services. Metrics are registered with
// the default prometheus registerer only when the config enables them.
func NewRuntimeContext(cfg *config.Config, store db.Store, logger core.Logger) (*RuntimeContext, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "store cannot be nil"}
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	rc := &RuntimeContext{
		Config:        cfg,
		Logger:        logger,
		Store:         store,
		Observers:     observer.NewBus(logger),
		Playback:      playback.NewStore(cfg.PlaybackEnabled, cfg.PlaybackMaxSize),
		registries:    make(map[string]*Registry),
		timeoutOwners: make(map[string]*Registry),
	}
	if cfg.EnablePerformanceMetrics {
		rc.Metrics = metrics.NewRuntime(prometheus.DefaultRegisterer)
	}
	rc.scheduler = timeout.NewScheduler(rc.dispatchTimeout, logger)
	return rc, nil
}

// Registry returns a registered registry by id.
func (rc *RuntimeContext) Registry(id string) (*Registry, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	r, ok := rc.registries[id]
	return r, ok
}

func (rc *RuntimeContext) addRegistry(r *Registry) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, dup := rc.registries[r.id]; dup {
		return &core.Error{Code: "INVALID_CONFIG", Message: "registry " + r.id + " already exists"}
	}
	rc.registries[r.id] = r
	return nil
}

// scheduleTimeout arms a machine's state timeout on the shared scheduler and
// records ownership so the fire can be routed back.
func (rc *RuntimeContext) scheduleTimeout(owner *Registry, machineID, state string, version uint64, spec *statemachine.TimeoutSpec) func() {
	rc.mu.Lock()
	rc.timeoutOwners[machineID] = owner
	rc.mu.Unlock()

	h := rc.scheduler.Schedule(machineID, state, spec.Target, version, spec.Duration)
	return func() {
		rc.scheduler.Cancel(h)
		rc.mu.Lock()
		delete(rc.timeoutOwners, machineID)
		rc.mu.Unlock()
	}
}

// dispatchTimeout is the scheduler sink. It posts the timeout back through
// the ordinary event path; the machine's state/version guard drops stale
// fires.
func (rc *RuntimeContext) dispatchTimeout(machineID, sourceState, targetState string, version uint64) {
	rc.mu.Lock()
	owner := rc.timeoutOwners[machineID]
	delete(rc.timeoutOwners, machineID)
	rc.mu.Unlock()

	if owner == nil {
		return
	}
	// Dispatch runs on the scheduler goroutine and must not block on
	// rehydration I/O.
	go func() {
		res := owner.SendEvent(context.Background(), machineID, statemachine.NewTimeoutEvent(sourceState, targetState, version))
		if res.Status == SendRejected {
			rc.Logger.Debugf("timeout for %s dropped: %s", machineID, res.Reason)
		}
	}()
}

// Stop shuts the whole runtime down: registries first (cancelling timers and
// draining mailboxes), then the scheduler, observers, and storage.
func (rc *RuntimeContext) Stop(ctx context.Context) error {
	rc.mu.Lock()
	regs := make([]*Registry, 0, len(rc.registries))
	for _, r := range rc.registries {
		regs = append(regs, r)
	}
	rc.mu.Unlock()

	var firstErr error
	for _, r := range regs {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rc.scheduler.Stop()
	rc.Observers.Close()
	if err := rc.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// stopGrace is the default mailbox drain grace on shutdown.
const stopGrace = 5 * time.Second
