package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/offlinecache/cache"
)

// precacheConcurrency bounds parallel manifest fetches
const precacheConcurrency = 8

// InstallReport describes the outcome of a pre-cache run
type InstallReport struct {
	Generation string            `json:"generation"`
	Cached     []string          `json:"cached"`
	Failures   []PrecacheFailure `json:"failures,omitempty"`
	// Skipped lists implicitly added URLs that failed without failing the install
	Skipped []PrecacheFailure `json:"skipped,omitempty"`
}

// Install pre-caches the manifest into the store named by the generation.
//
// The batch is all-or-nothing: entries are written only when every required
// manifest URL was fetched with a 2xx status. The implicitly added image
// placeholder is optional; its failure is logged and reported as skipped. A failed batch makes the worker
// redundant under InstallStrict; under InstallLenient it is logged and the
// worker is installed with nothing written. Store errors always fail the
// install.
func (w *Worker) Install(ctx context.Context) (*InstallReport, error) {
	if err := w.transition(StateNew, StateInstalling); err != nil {
		return nil, err
	}
	w.logger.Info().Int("urls", len(w.manifest)).Msg("precaching critical assets")

	report, err := w.precache(ctx)
	if err != nil {
		var perr *PrecacheError
		if errors.As(err, &perr) && w.policy.InstallFailure == InstallLenient {
			w.logger.Error().Err(err).Msg("precache failed, installing without it")
			w.metrics.install("degraded")
			w.setState(StateInstalled)
			return report, nil
		}
		w.logger.Error().Err(err).Msg("install failed")
		w.metrics.install("failure")
		w.retire()
		return report, err
	}

	w.metrics.install("success")
	w.setState(StateInstalled)
	w.logger.Info().Int("cached", len(report.Cached)).Msg("install complete")
	return report, nil
}

func (w *Worker) precache(ctx context.Context) (*InstallReport, error) {
	report := &InstallReport{Generation: w.policy.Generation}

	store, err := w.storage.Open(ctx, w.policy.Generation)
	if err != nil {
		w.metrics.storeError("open")
		return report, &StoreError{Op: "open", Store: w.policy.Generation, Err: err}
	}

	entries := make([]*cache.Entry, len(w.manifest))
	failures := make([]*PrecacheFailure, len(w.manifest))

	var g errgroup.Group
	g.SetLimit(precacheConcurrency)
	for i, u := range w.manifest {
		g.Go(func() error {
			entries[i], failures[i] = w.fetchForPrecache(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failures {
		switch {
		case f == nil:
		case w.optional[f.URL]:
			w.logger.Warn().Str("failure", f.String()).Msg("optional precache url failed, image placeholder unavailable")
			report.Skipped = append(report.Skipped, *f)
		default:
			report.Failures = append(report.Failures, *f)
		}
	}
	if len(report.Failures) > 0 {
		return report, &PrecacheError{Generation: w.policy.Generation, Failures: report.Failures}
	}

	for _, e := range entries {
		if e == nil {
			continue
		}
		if err := store.Put(ctx, e); err != nil {
			w.metrics.storeError("put")
			return report, &StoreError{Op: "put", Store: w.policy.Generation, Err: err}
		}
		report.Cached = append(report.Cached, e.URL)
	}
	return report, nil
}

func (w *Worker) fetchForPrecache(ctx context.Context, u *url.URL) (*cache.Entry, *PrecacheFailure) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &PrecacheFailure{URL: u.String(), Err: err}
	}

	resp, err := w.doNetwork(req)
	if err != nil {
		return nil, &PrecacheFailure{URL: u.String(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &PrecacheFailure{URL: u.String(), Status: resp.StatusCode}
	}

	e, err := cache.EntryFromResponse(req, resp)
	if err != nil {
		return nil, &PrecacheFailure{URL: u.String(), Status: resp.StatusCode, Err: err}
	}
	return e, nil
}
