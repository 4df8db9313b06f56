package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// unstoredHeaders never enter a store: per-client cookies and hop-by-hop
// fields that describe one connection, not the resource
var unstoredHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StorableHeader returns a copy of h without the fields a shared store must
// not replay to other clients
func StorableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range unstoredHeaders {
		out.Del(name)
	}
	return out
}

// IsPrivate reports whether Cache-Control forbids a shared store from
// keeping the response
func IsPrivate(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if name, _, _ := strings.Cut(d, "="); name == "private" || name == "no-store" {
				return true
			}
		}
	}
	return false
}

// EntryFromResponse buffers resp's body into an Entry keyed by req.
// resp.Body is replaced with an in-memory reader over the same bytes, so the
// response can still be handed to the caller afterwards.
func EntryFromResponse(req *http.Request, resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	method, rawURL := identity(req.Method, req.URL)

	return &Entry{
		Method:    method,
		URL:       rawURL,
		Status:    resp.StatusCode,
		Header:    StorableHeader(resp.Header),
		Body:      append([]byte(nil), body...),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Response materializes the entry as a fresh response to req
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
