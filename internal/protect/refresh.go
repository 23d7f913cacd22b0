package protect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/bridgeclient/internal/api"
)

// Lister fetches the project listing. *api.Client satisfies it.
type Lister interface {
	ListProjects(ctx context.Context) ([]api.Project, error)
}

// ActiveRef reports which project and session the user is currently in,
// for the additivity check.
type ActiveRef func() (project, session string)

// RefresherConfig wires a Refresher.
type RefresherConfig struct {
	Lister    Lister
	Coord     *Coordinator
	Interval  time.Duration
	ActiveRef ActiveRef
	OnApply   func([]api.Project) // called with each accepted listing
	Logger    *slog.Logger
}

// Refresher periodically fetches the project listing and applies it only
// when the coordinator judges the update additive. A rejected refresh is
// dropped whole; the stale listing stays until a later poll passes the
// check.
type Refresher struct {
	lister    Lister
	coord     *Coordinator
	interval  time.Duration
	activeRef ActiveRef
	onApply   func([]api.Project)
	log       *slog.Logger

	mu      sync.Mutex
	current []api.Project

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRefresher creates a refresher. Run starts the polling loop.
func NewRefresher(cfg RefresherConfig) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{
		lister:    cfg.Lister,
		coord:     cfg.Coord,
		interval:  cfg.Interval,
		activeRef: cfg.ActiveRef,
		onApply:   cfg.OnApply,
		log:       cfg.Logger,
		stop:      make(chan struct{}),
	}
}

// Run polls until the context is cancelled or Close is called.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.RefreshNow(ctx); err != nil {
				r.log.Warn("project refresh failed", "error", err)
			}
		}
	}
}

// RefreshNow fetches the listing once and applies it if additive.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	fetched, err := r.lister.ListProjects(ctx)
	if err != nil {
		return err
	}

	var activeProject, activeSession string
	if r.activeRef != nil {
		activeProject, activeSession = r.activeRef()
	}

	r.mu.Lock()
	current := r.current
	r.mu.Unlock()

	if !r.coord.AdditiveUpdate(current, fetched, activeProject, activeSession) {
		r.log.Info("refresh skipped: active session would be disturbed",
			"project", activeProject, "session", activeSession)
		return nil
	}

	r.mu.Lock()
	r.current = fetched
	r.mu.Unlock()

	if r.onApply != nil {
		r.onApply(fetched)
	}
	return nil
}

// Projects returns the last accepted listing.
func (r *Refresher) Projects() []api.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Project(nil), r.current...)
}

// Close stops the polling loop.
func (r *Refresher) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
