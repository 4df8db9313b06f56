package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/offlinecache/cache"
	appmw "github.com/briangreenhill/offlinecache/internal/http/middleware"
	"github.com/briangreenhill/offlinecache/internal/jobs"
	"github.com/briangreenhill/offlinecache/internal/worker"
)

// SourceHeader tells clients where a gateway response came from
const SourceHeader = "X-Cache-Source"

// errTargetNotAllowed rejects proxy-form targets outside the origin and the
// cross-origin allowlist
var errTargetNotAllowed = errors.New("request target host not allowed")

// Fetcher routes intercepted requests. *worker.Controller satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*worker.Outcome, error)
	Status() worker.ControllerStatus
	SkipWaiting(ctx context.Context) (*worker.Registration, error)
}

// Rollouts registers a generation synchronously. *jobs.Handler satisfies it.
type Rollouts interface {
	Register(ctx context.Context, p jobs.RegisterGenerationPayload) (*worker.Registration, error)
}

type Server struct {
	Router     *chi.Mux
	Controller Fetcher
	Origin     *url.URL
	Enqueuer   jobs.Enqueuer // nil registers generations inline
	Rollouts   Rollouts

	// allowedHosts are the hosts besides the origin's that proxy-form
	// requests may target
	allowedHosts map[string]bool
}

type ServerOptions struct {
	Controller Fetcher
	Origin     *url.URL
	Logger     zerolog.Logger
	AdminToken string
	Enqueuer   jobs.Enqueuer
	Rollouts   Rollouts
	Gatherer   prometheus.Gatherer

	// CrossOriginHosts lists host[:port] values absolute request targets may
	// name besides the origin's host
	CrossOriginHosts []string
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("req_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:     r,
		Controller: opts.Controller,
		Origin:     opts.Origin,
		Enqueuer:   opts.Enqueuer,
		Rollouts:   opts.Rollouts,

		allowedHosts: make(map[string]bool, len(opts.CrossOriginHosts)),
	}
	for _, h := range opts.CrossOriginHosts {
		s.allowedHosts[strings.ToLower(h)] = true
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("error writing health check response")
		}
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/_worker", func(ar chi.Router) {
		ar.Use(appmw.RequireAdminToken(opts.AdminToken))
		ar.Get("/status", s.handleStatus)
		ar.Post("/generations", s.handleRegisterGeneration)
		ar.Post("/skip-waiting", s.handleSkipWaiting)
	})

	// everything else is intercepted
	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return s
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"controller": s.Controller.Status(),
		"queued":     s.Enqueuer != nil,
	})
}

type registerRequest struct {
	Generation  string   `json:"generation"`
	Precache    []string `json:"precache,omitempty"`
	SkipWaiting *bool    `json:"skip_waiting,omitempty"`
}

func (s *Server) handleRegisterGeneration(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	if err := cache.ValidateName(body.Generation); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	payload := jobs.RegisterGenerationPayload{
		Generation:  body.Generation,
		Precache:    body.Precache,
		SkipWaiting: body.SkipWaiting,
	}
	log := hlog.FromRequest(r)

	if s.Enqueuer != nil {
		taskID, err := s.Enqueuer.EnqueueRegisterGeneration(r.Context(), payload)
		if err != nil {
			log.Error().Err(err).Msg("[asynq] enqueue failed")
			writeError(w, r, http.StatusServiceUnavailable, errors.New("could not queue rollout"))
			return
		}
		log.Info().Str("task", taskID).Str("generation", body.Generation).Msg("[asynq] enqueued rollout")
		writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": taskID, "generation": body.Generation})
		return
	}

	// the rollout outlives a client that hangs up
	reg, err := s.Rollouts.Register(context.WithoutCancel(r.Context()), payload)
	if err != nil {
		log.Error().Err(err).Str("generation", body.Generation).Msg("rollout failed")
		writeJSON(w, r, rolloutStatus(err), map[string]any{"error": err.Error(), "registration": reg})
		return
	}

	status := http.StatusCreated
	if reg.Unchanged {
		status = http.StatusOK
	}
	writeJSON(w, r, status, reg)
}

func rolloutStatus(err error) int {
	var perr *worker.PrecacheError
	var serr *worker.StoreError
	switch {
	case errors.Is(err, worker.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.As(err, &serr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	reg, err := s.Controller.SkipWaiting(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, worker.ErrNoWaitingWorker):
		writeError(w, r, http.StatusConflict, err)
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("skip waiting failed")
		writeJSON(w, r, http.StatusInternalServerError, map[string]any{"error": err.Error(), "registration": reg})
	default:
		writeJSON(w, r, http.StatusOK, reg)
	}
}

// hopHeaders are stripped in both directions
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, f := range src.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// allowedTarget reports whether a proxy-form target may be fetched
func (s *Server) allowedTarget(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Host)
	return host == strings.ToLower(s.Origin.Host) || s.allowedHosts[host]
}

// outboundRequest turns an intercepted request into the fetch the worker
// performs. Origin-form targets resolve against the origin; proxy-form
// absolute targets are kept when their host is the origin's or allowlisted.
func (s *Server) outboundRequest(r *http.Request) (*http.Request, error) {
	target := r.URL
	if !target.IsAbs() {
		target = s.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	} else if !s.allowedTarget(target) {
		return nil, fmt.Errorf("%w: %s", errTargetNotAllowed, target.Host)
	}

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeader(out.Header, r.Header)
	if out.Method == http.MethodGet {
		// the transport negotiates and decodes compression itself, so
		// stored bodies are identity-encoded whatever the first client sent
		out.Header.Del("Accept-Encoding")
	}
	return out, nil
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	out, err := s.outboundRequest(r)
	if errors.Is(err, errTargetNotAllowed) {
		log.Warn().Err(err).Msg("rejected proxy target")
		writeError(w, r, http.StatusForbidden, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	res, err := s.Controller.Fetch(r.Context(), out)
	if err != nil {
		if r.Context().Err() != nil {
			log.Debug().Err(err).Msg("client went away")
			return
		}
		status := fetchStatus(err)
		log.Warn().Err(err).Int("status", status).Msg("fetch failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	resp := res.Response
	defer func() { _ = resp.Body.Close() }()

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(SourceHeader, string(res.Source))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Msg("copy response body")
	}
}

// fetchStatus maps a failed fetch to the gateway's status code
func fetchStatus(err error) int {
	var serr *worker.StoreError
	var nerr *worker.NetworkError
	switch {
	case errors.Is(err, worker.ErrNoFallback):
		return http.StatusServiceUnavailable
	case errors.As(err, &serr):
		return http.StatusInternalServerError
	case errors.As(err, &nerr):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
