// Package worker implements the offline cache worker: a per-generation policy
// engine that pre-caches critical assets on install, deletes stale
// generations on activation and routes every intercepted request through
// network-first or cache-first handling with offline fallbacks.
//
// A Worker holds no state besides its lifecycle position; everything durable
// lives in the cache.Storage it was built with.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/cache"
)

// State is the lifecycle position of a worker
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source tells where a response came from
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourcePlaceholder Source = "placeholder"
	SourcePassthrough Source = "passthrough"
	sourceError       Source = "error"
)

// Outcome is the result of one intercepted request
type Outcome struct {
	Response *http.Response
	Class    RoutingClass
	Source   Source
}

type settings struct {
	network Network
	logger  zerolog.Logger
	metrics *Metrics
}

// Option configures workers and controllers
type Option func(*settings)

// WithNetwork sets the network used for fetches (default http.DefaultClient)
func WithNetwork(n Network) Option {
	return func(s *settings) { s.network = n }
}

// WithLogger sets the logger (default: disabled)
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics sets the metrics sink (default: none)
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func newSettings(opts []Option) settings {
	s := settings{network: http.DefaultClient, logger: zerolog.Nop()}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Worker serves one cache generation
type Worker struct {
	settings

	id             string
	policy         Policy
	fingerprint    string
	manifest       []*url.URL
	optional       map[string]bool
	offlineKey     string
	placeholderKey string
	storage        cache.Storage

	mu          sync.RWMutex
	state       State
	installedAt time.Time
	activatedAt time.Time
}

// New creates a worker for policy over storage. The policy is copied; later
// changes to the caller's value do not affect the worker.
func New(policy Policy, storage cache.Storage, opts ...Option) (*Worker, error) {
	return newWorker(policy, storage, newSettings(opts))
}

func newWorker(policy Policy, storage cache.Storage, s settings) (*Worker, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	p := policy.clone()

	manifest, err := p.Manifest()
	if err != nil {
		return nil, err
	}
	optional, err := p.optionalURLs()
	if err != nil {
		return nil, err
	}
	offline, err := p.resolve(p.OfflineURL)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		settings:    s,
		id:          uuid.NewString(),
		policy:      p,
		fingerprint: p.Fingerprint(),
		manifest:    manifest,
		optional:    optional,
		offlineKey:  cache.KeyFor(http.MethodGet, offline),
		storage:     storage,
	}
	if p.ImagePlaceholder {
		ph, err := p.resolve(p.PlaceholderURL)
		if err != nil {
			return nil, err
		}
		w.placeholderKey = cache.KeyFor(http.MethodGet, ph)
	}
	w.logger = s.logger.With().Str("worker", w.id).Str("generation", p.Generation).Logger()
	return w, nil
}

// ID returns the unique id of this worker instance
func (w *Worker) ID() string { return w.id }

// Generation returns the generation identifier
func (w *Worker) Generation() string { return w.policy.Generation }

// Policy returns a copy of the worker's policy
func (w *Worker) Policy() Policy { return w.policy.clone() }

// Fingerprint identifies the worker's policy content
func (w *Worker) Fingerprint() string { return w.fingerprint }

// State returns the current lifecycle state
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status is a snapshot of a worker for reporting
type Status struct {
	ID          string    `json:"id"`
	Generation  string    `json:"generation"`
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint"`
	Manifest    []string  `json:"manifest"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

// Status returns a snapshot of the worker
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	manifest := make([]string, len(w.manifest))
	for i, u := range w.manifest {
		manifest[i] = u.String()
	}
	return Status{
		ID:          w.id,
		Generation:  w.policy.Generation,
		State:       w.state,
		Fingerprint: w.fingerprint,
		Manifest:    manifest,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
}

// transition moves from -> to, failing if the worker is elsewhere
func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, w.state)
	}
	w.setStateLocked(to)
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStateLocked(s)
}

func (w *Worker) setStateLocked(s State) {
	w.state = s
	switch s {
	case StateInstalled:
		w.installedAt = time.Now().UTC()
	case StateActivated:
		w.activatedAt = time.Now().UTC()
	}
}

// retire marks a superseded or discarded worker redundant
func (w *Worker) retire() {
	w.setState(StateRedundant)
}

// doNetwork performs a fetch, applying the policy timeout. A timeout stays
// in force until the response body is closed.
func (w *Worker) doNetwork(req *http.Request) (*http.Response, error) {
	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if w.policy.NetworkTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.policy.NetworkTimeout)
	}
	req = outbound(ctx, req)

	resp, err := w.network.Do(req)
	if err != nil {
		cancel()
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// storeFailure applies the store error policy. It returns nil when the
// failure is to be logged and skipped.
func (w *Worker) storeFailure(op, store string, err error) error {
	w.metrics.storeError(op)
	serr := &StoreError{Op: op, Store: store, Err: err}
	if w.policy.StoreErrors == StoreErrorsPropagate {
		return serr
	}
	w.logger.Warn().Err(serr).Msg("cache store operation failed, continuing")
	return nil
}
