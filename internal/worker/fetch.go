package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/briangreenhill/offlinecache/cache"
)

// Fetch intercepts one request and routes it by class:
//
//   - passthrough: straight to the network, the store is never touched
//   - navigation: network first, the stored offline page on failure
//   - asset / api: cache first; a miss goes to the network and a 200
//     same-origin asset response is stored before it is returned
//
// Only an activated worker serves fetches.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Outcome, error) {
	if w.State() != StateActivated {
		return nil, ErrNotActive
	}
	req = req.WithContext(ctx)

	class := Classify(w.policy, req)
	var (
		out *Outcome
		err error
	)
	switch class {
	case RoutePassthrough:
		out, err = w.passthrough(req)
	case RouteNavigation:
		out, err = w.navigate(req)
	default:
		out, err = w.cacheFirst(req, class)
	}

	if err != nil {
		w.metrics.fetch(class, sourceError)
		return nil, err
	}
	w.metrics.fetch(class, out.Source)
	return out, nil
}

func (w *Worker) passthrough(req *http.Request) (*Outcome, error) {
	resp, err := w.doNetwork(req)
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: resp, Class: RoutePassthrough, Source: SourcePassthrough}, nil
}

func (w *Worker) navigate(req *http.Request) (*Outcome, error) {
	resp, err := w.doNetwork(req)
	if err == nil {
		return &Outcome{Response: resp, Class: RouteNavigation, Source: SourceNetwork}, nil
	}
	// the client is gone; nobody is waiting for a fallback
	if req.Context().Err() != nil {
		return nil, err
	}

	w.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("navigation failed, serving offline page")
	fallback, ferr := w.fallback(req, w.offlineKey, err)
	if ferr != nil {
		return nil, ferr
	}
	return &Outcome{Response: fallback, Class: RouteNavigation, Source: SourceOffline}, nil
}

func (w *Worker) cacheFirst(req *http.Request, class RoutingClass) (*Outcome, error) {
	ctx := req.Context()
	key := cache.RequestKey(req)

	// a superseded worker's store may be gone; never recreate it
	store, err := w.storage.Lookup(ctx, w.policy.Generation)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrStoreNotFound):
		w.logger.Debug().Msg("cache store gone, fetching from network")
	default:
		if serr := w.storeFailure("open", w.policy.Generation, err); serr != nil {
			return nil, serr
		}
	}

	if store != nil {
		e, err := store.Match(ctx, key)
		switch {
		case err == nil:
			return &Outcome{Response: e.Response(req), Class: class, Source: SourceCache}, nil
		case errors.Is(err, cache.ErrCacheNotFound):
		default:
			if serr := w.storeFailure("match", store.Name(), err); serr != nil {
				return nil, serr
			}
		}
	}

	resp, err := w.doNetwork(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		w.logger.Error().Err(err).Str("url", req.URL.String()).Msg("fetch failed")
		if w.policy.ImagePlaceholder && acceptsImage(req) {
			ph, ferr := w.fallback(req, w.placeholderKey, err)
			if ferr != nil {
				return nil, ferr
			}
			return &Outcome{Response: ph, Class: class, Source: SourcePlaceholder}, nil
		}
		return nil, err
	}

	if store != nil && w.cacheable(req, class, resp) {
		if err := w.fill(req, resp, store); err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
	}
	return &Outcome{Response: resp, Class: class, Source: SourceNetwork}, nil
}

// cacheable reports whether a network response may be written to the
// store. The store is shared by every client of the gateway, so responses
// marked private or no-store stay out of it.
func (w *Worker) cacheable(req *http.Request, class RoutingClass, resp *http.Response) bool {
	return class == RouteAsset &&
		resp.StatusCode == http.StatusOK &&
		w.policy.SameOrigin(req.URL) &&
		!w.policy.isAPI(req.URL) &&
		!cache.IsPrivate(resp.Header)
}

// fill buffers resp and writes it to store before it is returned. The write
// is detached from the request context so a departing client cannot cut it
// short.
func (w *Worker) fill(req *http.Request, resp *http.Response, store cache.Store) error {
	e, err := cache.EntryFromResponse(req, resp)
	if err != nil {
		return &NetworkError{URL: req.URL.String(), Err: err}
	}

	err = store.Put(context.WithoutCancel(req.Context()), e)
	if errors.Is(err, cache.ErrStoreNotFound) {
		w.logger.Debug().Str("url", req.URL.String()).Msg("cache store deleted, skipping fill")
		return nil
	}
	if err != nil {
		return w.storeFailure("put", store.Name(), err)
	}
	w.metrics.fill()
	return nil
}

// fallback serves the stored response under key in place of a failed fetch
func (w *Worker) fallback(req *http.Request, key string, cause error) (*http.Response, error) {
	ctx := context.WithoutCancel(req.Context())

	store, err := w.storage.Lookup(ctx, w.policy.Generation)
	if errors.Is(err, cache.ErrStoreNotFound) {
		return nil, fmt.Errorf("%w: store %s deleted: %w", ErrNoFallback, w.policy.Generation, cause)
	}
	if err != nil {
		w.metrics.storeError("open")
		return nil, &StoreError{Op: "open", Store: w.policy.Generation, Err: err}
	}

	e, err := store.Match(ctx, key)
	if errors.Is(err, cache.ErrCacheNotFound) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoFallback, key, cause)
	}
	if err != nil {
		w.metrics.storeError("match")
		return nil, &StoreError{Op: "match", Store: store.Name(), Err: err}
	}
	return e.Response(req), nil
}
