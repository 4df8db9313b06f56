package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/offlinecache/cache"
)

func navigationRequest(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, testOrigin+path, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func assetRequest(rawURL, accept string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

// hang blocks until the request is abandoned
func hang(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func TestFetchRequiresActiveWorker(t *testing.T) {
	w, err := New(testPolicy(t, "v1"), cache.NewMemoryStorage())
	require.NoError(t, err)

	_, err = w.Fetch(context.Background(), navigationRequest("/"))
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestFetchNavigationPrefersNetwork(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewStringResponder(http.StatusOK, "fresh home"))

	out, err := w.Fetch(context.Background(), navigationRequest("/"))
	require.NoError(t, err)

	assert.Equal(t, RouteNavigation, out.Class)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "fresh home", readBody(t, out.Response))
}

func TestFetchNavigationDoesNotStore(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/about", httpmock.NewStringResponder(http.StatusOK, "about"))

	before := len(storedKeys(t, storage, "v1"))
	out, err := w.Fetch(context.Background(), navigationRequest("/about"))
	require.NoError(t, err)
	readBody(t, out.Response)

	assert.Len(t, storedKeys(t, storage, "v1"), before)
}

func TestFetchNavigationServesHTTPErrorsAsIs(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/broken", httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))

	out, err := w.Fetch(context.Background(), navigationRequest("/broken"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, http.StatusInternalServerError, out.Response.StatusCode)
	readBody(t, out.Response)
}

func TestFetchNavigationFallsBackToOfflinePage(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/dashboard", httpmock.NewErrorResponder(errors.New("offline")))

	out, err := w.Fetch(context.Background(), navigationRequest("/dashboard"))
	require.NoError(t, err)

	assert.Equal(t, SourceOffline, out.Source)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode)
	assert.Equal(t, "body of /offline/", readBody(t, out.Response))
}

func TestFetchNavigationAcceptFallback(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/page", httpmock.NewErrorResponder(errors.New("offline")))

	// no fetch metadata; the Accept header decides
	req := httptest.NewRequest(http.MethodGet, testOrigin+"/page", nil)
	req.Header.Set("Accept", "text/html")

	out, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, out.Source)
	readBody(t, out.Response)
}

func TestFetchNavigationWithoutOfflinePage(t *testing.T) {
	mt := mockOrigin()
	mt.RegisterResponder(http.MethodGet, testOrigin+"/offline/", httpmock.NewStringResponder(http.StatusNotFound, ""))

	p := testPolicy(t, "v1")
	p.InstallFailure = InstallLenient
	w := activeWorker(t, p, cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewErrorResponder(errors.New("offline")))

	_, err := w.Fetch(context.Background(), navigationRequest("/"))
	require.ErrorIs(t, err, ErrNoFallback)

	var nerr *NetworkError
	assert.ErrorAs(t, err, &nerr, "the network cause is kept")
}

func TestFetchNavigationClientGone(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/slow", hang)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := w.Fetch(ctx, navigationRequest("/slow"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNoFallback)
}

func TestFetchNavigationTimeout(t *testing.T) {
	mt := mockOrigin()
	p := testPolicy(t, "v1")
	p.NetworkTimeout = 20 * time.Millisecond
	w := activeWorker(t, p, cache.NewMemoryStorage(), mt)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/slow", hang)

	out, err := w.Fetch(context.Background(), navigationRequest("/slow"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, out.Source)
	readBody(t, out.Response)
}

func TestFetchPrecachedAssetFromCache(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)

	out, err := w.Fetch(context.Background(), assetRequest(testOrigin+"/static/css/styles.css", "text/css"))
	require.NoError(t, err)

	assert.Equal(t, RouteAsset, out.Class)
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, "body of /static/css/styles.css", readBody(t, out.Response))
	assert.Equal(t, 1, calls(mt, http.MethodGet, testOrigin+"/static/css/styles.css"), "only the install fetched it")
}

func TestFetchAssetFillsOnMiss(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	font := testOrigin + "/static/fonts/inter.woff2"
	mt.RegisterResponder(http.MethodGet, font, httpmock.NewStringResponder(http.StatusOK, "font bytes"))

	out, err := w.Fetch(context.Background(), assetRequest(font, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "font bytes", readBody(t, out.Response))

	out, err = w.Fetch(context.Background(), assetRequest(font, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, "font bytes", readBody(t, out.Response))

	assert.Equal(t, 1, calls(mt, http.MethodGet, font))
	assert.Contains(t, storedKeys(t, storage, "v1"), "GET "+font)
}

func TestFetchAssetNonOKIsNotStored(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)

	for _, status := range []int{http.StatusNotFound, http.StatusNoContent, http.StatusPartialContent} {
		u := testOrigin + "/static/status/" + http.StatusText(status)
		u = strings.ReplaceAll(u, " ", "-")
		mt.RegisterResponder(http.MethodGet, u, httpmock.NewStringResponder(status, ""))

		for range 2 {
			out, err := w.Fetch(context.Background(), assetRequest(u, ""))
			require.NoError(t, err)
			assert.Equal(t, status, out.Response.StatusCode)
			assert.Equal(t, SourceNetwork, out.Source)
			readBody(t, out.Response)
		}
		assert.Equal(t, 2, calls(mt, http.MethodGet, u), "status %d must not be cached", status)
	}
}

func TestFetchAPINeverStored(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	api := testOrigin + "/api/items"
	mt.RegisterResponder(http.MethodGet, api, httpmock.NewStringResponder(http.StatusOK, `{"items":[]}`))

	for range 2 {
		out, err := w.Fetch(context.Background(), assetRequest(api, "application/json"))
		require.NoError(t, err)
		assert.Equal(t, RouteAPI, out.Class)
		assert.Equal(t, SourceNetwork, out.Source)
		readBody(t, out.Response)
	}

	assert.Equal(t, 2, calls(mt, http.MethodGet, api))
	assert.NotContains(t, storedKeys(t, storage, "v1"), "GET "+api)
}

func TestFetchCrossOriginNotStored(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	lib := "https://cdn.example.net/lib.js"
	mt.RegisterResponder(http.MethodGet, lib, httpmock.NewStringResponder(http.StatusOK, "lib"))

	for range 2 {
		out, err := w.Fetch(context.Background(), assetRequest(lib, "*/*"))
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, out.Source)
		readBody(t, out.Response)
	}
	assert.Equal(t, 2, calls(mt, http.MethodGet, lib))
}

func TestFetchNonGETPassesThrough(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	target := testOrigin + "/static/css/styles.css"
	mt.RegisterResponder(http.MethodPost, target, httpmock.NewStringResponder(http.StatusCreated, "posted"))

	before := storedKeys(t, storage, "v1")
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader("x=1"))
	out, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, RoutePassthrough, out.Class)
	assert.Equal(t, SourcePassthrough, out.Source)
	assert.Equal(t, "posted", readBody(t, out.Response))
	assert.Equal(t, 1, calls(mt, http.MethodPost, target))
	assert.ElementsMatch(t, before, storedKeys(t, storage, "v1"))
}

func TestFetchPassthroughErrorHasNoFallback(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)

	req := httptest.NewRequest(http.MethodDelete, testOrigin+"/api/items/1", nil)
	req.Header.Set("Accept", "text/html")
	_, err := w.Fetch(context.Background(), req)

	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, testOrigin+"/api/items/1", nerr.URL)
}

func TestFetchImagePlaceholder(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	photo := testOrigin + "/static/images/photo.jpg"
	mt.RegisterResponder(http.MethodGet, photo, httpmock.NewErrorResponder(errors.New("offline")))

	out, err := w.Fetch(context.Background(), assetRequest(photo, "image/avif,image/webp,*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourcePlaceholder, out.Source)
	assert.Equal(t, "body of /static/images/placeholder.png", readBody(t, out.Response))
}

func TestFetchAssetFailureWithoutImageAccept(t *testing.T) {
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), cache.NewMemoryStorage(), mt)
	script := testOrigin + "/static/js/lazy.js"
	mt.RegisterResponder(http.MethodGet, script, httpmock.NewErrorResponder(errors.New("offline")))

	_, err := w.Fetch(context.Background(), assetRequest(script, "*/*"))
	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, script, nerr.URL)
}

func TestFetchMinimalPolicyHasNoPlaceholder(t *testing.T) {
	mt := mockOrigin()
	p := MinimalPolicy(testPolicy(t, "v1").Origin, "v1")
	w := activeWorker(t, p, cache.NewMemoryStorage(), mt)
	photo := testOrigin + "/static/images/photo.jpg"
	mt.RegisterResponder(http.MethodGet, photo, httpmock.NewErrorResponder(errors.New("offline")))

	_, err := w.Fetch(context.Background(), assetRequest(photo, "image/png"))
	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Zero(t, calls(mt, http.MethodGet, testOrigin+"/static/images/placeholder.png"))
}

func TestFetchAssetTimeout(t *testing.T) {
	mt := mockOrigin()
	p := testPolicy(t, "v1")
	p.NetworkTimeout = 20 * time.Millisecond
	w := activeWorker(t, p, cache.NewMemoryStorage(), mt)
	script := testOrigin + "/static/js/slow.js"
	mt.RegisterResponder(http.MethodGet, script, hang)

	_, err := w.Fetch(context.Background(), assetRequest(script, "*/*"))
	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchStoreErrorsLogged(t *testing.T) {
	storage := &faultyStorage{Storage: cache.NewMemoryStorage()}
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	font := testOrigin + "/static/fonts/a.woff2"
	mt.RegisterResponder(http.MethodGet, font, httpmock.NewStringResponder(http.StatusOK, "font"))

	storage.putErr = errDiskFull
	out, err := w.Fetch(context.Background(), assetRequest(font, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "font", readBody(t, out.Response), "the response survives a failed fill")

	storage.putErr = nil
	storage.matchErr = errDiskFull
	out, err = w.Fetch(context.Background(), assetRequest(font, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	readBody(t, out.Response)

	storage.matchErr = nil
	storage.openErr = errDiskFull
	out, err = w.Fetch(context.Background(), assetRequest(font, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	readBody(t, out.Response)
}

func TestFetchStoreErrorsPropagated(t *testing.T) {
	storage := &faultyStorage{Storage: cache.NewMemoryStorage()}
	mt := mockOrigin()
	p := testPolicy(t, "v1")
	p.StoreErrors = StoreErrorsPropagate
	w := activeWorker(t, p, storage, mt)
	font := testOrigin + "/static/fonts/a.woff2"
	mt.RegisterResponder(http.MethodGet, font, httpmock.NewStringResponder(http.StatusOK, "font"))

	storage.putErr = errDiskFull
	_, err := w.Fetch(context.Background(), assetRequest(font, "*/*"))
	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "put", serr.Op)
	assert.Equal(t, "v1", serr.Store)

	storage.putErr = nil
	storage.matchErr = errDiskFull
	_, err = w.Fetch(context.Background(), assetRequest(font, "*/*"))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "match", serr.Op)
	assert.ErrorIs(t, err, errDiskFull)
}

func TestFetchFillSurvivesClientCancel(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	font := testOrigin + "/static/fonts/b.woff2"

	ctx, cancel := context.WithCancel(context.Background())
	mt.RegisterResponder(http.MethodGet, font, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "font")
		resp.Request = req
		return resp, nil
	})

	req := assetRequest(font, "*/*")
	out, err := w.Fetch(ctx, req)
	require.NoError(t, err)
	cancel()
	readBody(t, out.Response)

	assert.Contains(t, storedKeys(t, storage, "v1"), "GET "+font)
}

func TestFetchPrivateResponseNotStored(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	profile := testOrigin + "/static/js/profile.js"
	mt.RegisterResponder(http.MethodGet, profile, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "var user = 'alice'")
		resp.Header.Set("Cache-Control", "private, max-age=60")
		return resp, nil
	})

	for range 2 {
		out, err := w.Fetch(context.Background(), assetRequest(profile, "*/*"))
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, out.Source)
		readBody(t, out.Response)
	}
	assert.Equal(t, 2, calls(mt, http.MethodGet, profile))
	assert.NotContains(t, storedKeys(t, storage, "v1"), "GET "+profile)
}

func TestFetchFillDropsSetCookie(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)
	script := testOrigin + "/static/js/widgets.js"
	mt.RegisterResponder(http.MethodGet, script, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "var widgets = []")
		resp.Header.Set("Set-Cookie", "session=alice-secret")
		return resp, nil
	})

	out, err := w.Fetch(context.Background(), assetRequest(script, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, "session=alice-secret", out.Response.Header.Get("Set-Cookie"), "the first client still gets its cookie")
	readBody(t, out.Response)

	out, err = w.Fetch(context.Background(), assetRequest(script, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, out.Source)
	assert.Empty(t, out.Response.Header.Values("Set-Cookie"))
	assert.Equal(t, "var widgets = []", readBody(t, out.Response))
}

func TestFetchDeletedStoreIsNotRecreated(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	mt := mockOrigin()
	w := activeWorker(t, testPolicy(t, "v1"), storage, mt)

	// a newer generation's activation removed this worker's store
	_, err := storage.Delete(ctx, "v1")
	require.NoError(t, err)

	mt.RegisterResponder(http.MethodGet, testOrigin+"/page", httpmock.NewErrorResponder(errors.New("offline")))
	_, err = w.Fetch(ctx, navigationRequest("/page"))
	assert.ErrorIs(t, err, ErrNoFallback)

	font := testOrigin + "/static/fonts/c.woff2"
	mt.RegisterResponder(http.MethodGet, font, httpmock.NewStringResponder(http.StatusOK, "font"))
	out, err := w.Fetch(ctx, assetRequest(font, "*/*"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	readBody(t, out.Response)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
