package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/briangreenhill/offlinecache/cache"
)

// ErrNoWaitingWorker is returned by SkipWaiting when nothing is waiting
var ErrNoWaitingWorker = errors.New("no waiting worker")

// Controller owns the worker lifecycle for one origin: it installs new
// generations, activates them and routes requests to the active worker.
// Requests read the active worker without locking; registrations are
// serialized.
type Controller struct {
	settings
	storage cache.Storage

	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	waiting atomic.Pointer[Worker]
}

// NewController creates a controller with no active worker. Until the first
// registration completes every request passes through to the network.
func NewController(storage cache.Storage, opts ...Option) *Controller {
	return &Controller{settings: newSettings(opts), storage: storage}
}

// Registration reports what Register or SkipWaiting did
type Registration struct {
	Worker    Status         `json:"worker"`
	Unchanged bool           `json:"unchanged,omitempty"`
	Waiting   bool           `json:"waiting,omitempty"`
	Activated bool           `json:"activated,omitempty"`
	Deleted   []string       `json:"deleted,omitempty"`
	Install   *InstallReport `json:"install,omitempty"`
}

// Register installs a worker for policy. With SkipWaiting, or when no
// worker is active yet, the new worker is activated and claims control
// immediately; otherwise it waits for SkipWaiting.
//
// A policy identical to the active or waiting worker's is a no-op. When the
// install fails the previous worker stays in control.
func (c *Controller) Register(ctx context.Context, policy Policy) (*Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp := policy.Fingerprint()
	for _, w := range []*Worker{c.active.Load(), c.waiting.Load()} {
		if w != nil && w.Fingerprint() == fp {
			return &Registration{Worker: w.Status(), Unchanged: true, Waiting: w.State() == StateInstalled}, nil
		}
	}

	w, err := newWorker(policy, c.storage, c.settings)
	if err != nil {
		return nil, err
	}

	report, err := w.Install(ctx)
	reg := &Registration{Worker: w.Status(), Install: report}
	if err != nil {
		return reg, err
	}

	if prev := c.waiting.Swap(nil); prev != nil {
		prev.retire()
	}

	if !policy.SkipWaiting && c.active.Load() != nil {
		c.waiting.Store(w)
		w.logger.Info().Msg("installed, waiting for skip-waiting")
		reg.Worker = w.Status()
		reg.Waiting = true
		return reg, nil
	}

	w.logger.Info().Msg("skipping wait, activating")
	deleted, err := c.activateLocked(ctx, w)
	reg.Worker = w.Status()
	reg.Deleted = deleted
	if err != nil {
		// keep it around so SkipWaiting can retry the activation
		c.waiting.Store(w)
		reg.Waiting = true
		return reg, err
	}
	reg.Activated = true
	return reg, nil
}

// SkipWaiting activates the waiting worker
func (c *Controller) SkipWaiting(ctx context.Context) (*Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.waiting.Load()
	if w == nil {
		return nil, ErrNoWaitingWorker
	}

	deleted, err := c.activateLocked(ctx, w)
	reg := &Registration{Worker: w.Status(), Deleted: deleted}
	if err != nil {
		reg.Waiting = true
		return reg, err
	}
	c.waiting.CompareAndSwap(w, nil)
	reg.Activated = true
	return reg, nil
}

// activateLocked runs activation, then claims control for w
func (c *Controller) activateLocked(ctx context.Context, w *Worker) ([]string, error) {
	deleted, err := w.Activate(ctx)
	if err != nil {
		return deleted, err
	}

	prev := c.active.Swap(w)
	previous := ""
	if prev != nil && prev != w {
		previous = prev.Generation()
		prev.retire()
	}
	c.metrics.activated(previous, w.Generation())
	w.logger.Info().Str("previous", previous).Msg("claimed control")
	return deleted, nil
}

// Active returns the worker in control, or nil
func (c *Controller) Active() *Worker {
	return c.active.Load()
}

// Waiting returns the installed worker waiting to activate, or nil
func (c *Controller) Waiting() *Worker {
	return c.waiting.Load()
}

// ControllerStatus is a snapshot of the controller
type ControllerStatus struct {
	Active  *Status `json:"active"`
	Waiting *Status `json:"waiting,omitempty"`
}

// Status returns a snapshot of the active and waiting workers
func (c *Controller) Status() ControllerStatus {
	var st ControllerStatus
	if w := c.active.Load(); w != nil {
		s := w.Status()
		st.Active = &s
	}
	if w := c.waiting.Load(); w != nil {
		s := w.Status()
		st.Waiting = &s
	}
	return st
}

// Fetch routes req to the active worker. Without one the request goes
// straight to the network.
func (c *Controller) Fetch(ctx context.Context, req *http.Request) (*Outcome, error) {
	// A worker can be superseded while it serves a request. A failed GET on
	// a superseded worker is retried on the new one, whose store still holds
	// the fallbacks.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		w := c.active.Load()
		if w == nil {
			break
		}
		out, err := w.Fetch(ctx, req)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrNotActive) {
			continue
		}
		if req.Method == http.MethodGet && ctx.Err() == nil && c.active.Load() != w {
			c.logger.Info().Err(err).Str("url", req.URL.String()).Str("generation", w.Generation()).
				Msg("fetch failed on superseded worker, retrying on active worker")
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}

	resp, err := c.network.Do(outbound(ctx, req))
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	return &Outcome{Response: resp, Class: RoutePassthrough, Source: SourcePassthrough}, nil
}
