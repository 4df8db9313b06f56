package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// InstallFailureMode decides what a failed pre-cache does to an install
type InstallFailureMode string

const (
	// InstallStrict aborts the install; the previous generation stays active
	InstallStrict InstallFailureMode = "strict"
	// InstallLenient logs the failure and installs anyway
	InstallLenient InstallFailureMode = "lenient"
)

// StoreErrorMode decides what a failed cache fill does to the response
type StoreErrorMode string

const (
	// StoreErrorsLog logs and counts the failure, the response is still served
	StoreErrorsLog StoreErrorMode = "log"
	// StoreErrorsPropagate fails the request with a *StoreError
	StoreErrorsPropagate StoreErrorMode = "propagate"
)

// Policy is the immutable configuration of one worker generation
type Policy struct {
	// Origin is the scheme://host[:port] the worker controls
	Origin *url.URL
	// Generation names the cache store of this worker
	Generation string
	// Precache lists URLs (absolute or origin-relative) cached at install
	Precache []string
	// OfflineURL is served to navigations when the network fails
	OfflineURL string
	// PlaceholderURL is served to image requests when the network fails
	PlaceholderURL string
	// APIMarker is the path substring that marks API requests
	APIMarker string

	InstallFailure   InstallFailureMode
	ImagePlaceholder bool
	StoreErrors      StoreErrorMode
	SkipWaiting      bool

	// NetworkTimeout bounds each network fetch; zero means no timeout
	NetworkTimeout time.Duration
}

// DefaultPolicy returns the hardened configuration: strict install,
// offline page for navigations, placeholder for images.
func DefaultPolicy(origin *url.URL, generation string) Policy {
	return Policy{
		Origin:     origin,
		Generation: generation,
		Precache: []string{
			"/",
			"/static/css/styles.css",
			"/static/js/app.js",
			"/static/images/logo.png",
		},
		OfflineURL:       "/offline/",
		PlaceholderURL:   "/static/images/placeholder.png",
		APIMarker:        "/api/",
		InstallFailure:   InstallStrict,
		ImagePlaceholder: true,
		StoreErrors:      StoreErrorsLog,
		SkipWaiting:      true,
	}
}

// MinimalPolicy returns the minimal configuration: strict install and no
// image placeholder.
func MinimalPolicy(origin *url.URL, generation string) Policy {
	p := DefaultPolicy(origin, generation)
	p.ImagePlaceholder = false
	p.PlaceholderURL = ""
	return p
}

// clone returns a copy that shares nothing mutable with p
func (p Policy) clone() Policy {
	c := p
	if p.Origin != nil {
		o := *p.Origin
		c.Origin = &o
	}
	c.Precache = slices.Clone(p.Precache)
	return c
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	var errs []error

	if p.Origin == nil || !p.Origin.IsAbs() || p.Origin.Host == "" {
		errs = append(errs, errors.New("origin must be an absolute URL"))
	} else if p.Origin.Scheme != "http" && p.Origin.Scheme != "https" {
		errs = append(errs, fmt.Errorf("origin scheme must be http or https, got %q", p.Origin.Scheme))
	}
	if p.Generation == "" || strings.ContainsAny(p.Generation, "/\x00") {
		errs = append(errs, fmt.Errorf("invalid generation %q", p.Generation))
	}
	if p.APIMarker == "" {
		errs = append(errs, errors.New("api marker required"))
	}
	if p.OfflineURL == "" {
		errs = append(errs, errors.New("offline url required"))
	}
	if p.ImagePlaceholder && p.PlaceholderURL == "" {
		errs = append(errs, errors.New("placeholder url required when image placeholder is enabled"))
	}
	switch p.InstallFailure {
	case InstallStrict, InstallLenient:
	default:
		errs = append(errs, fmt.Errorf("unknown install failure mode %q", p.InstallFailure))
	}
	switch p.StoreErrors {
	case StoreErrorsLog, StoreErrorsPropagate:
	default:
		errs = append(errs, fmt.Errorf("unknown store error mode %q", p.StoreErrors))
	}
	if p.NetworkTimeout < 0 {
		errs = append(errs, errors.New("network timeout must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	manifest, err := p.Manifest()
	if err != nil {
		return err
	}
	for _, u := range manifest {
		if p.isAPI(u) {
			return fmt.Errorf("precache url %s contains api marker %q", u, p.APIMarker)
		}
	}
	if off, _ := p.resolve(p.OfflineURL); !p.SameOrigin(off) {
		return fmt.Errorf("offline url %s must be same-origin", off)
	}
	return nil
}

// resolve resolves ref against the origin
func (p Policy) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", ref, err)
	}
	r := p.Origin.ResolveReference(u)
	r.Fragment, r.RawFragment = "", ""
	return r, nil
}

// Manifest returns the resolved, de-duplicated pre-cache list. It always
// contains the offline page, and the placeholder when images fall back to it.
func (p Policy) Manifest() ([]*url.URL, error) {
	refs := slices.Clone(p.Precache)
	refs = append(refs, p.OfflineURL)
	if p.ImagePlaceholder {
		refs = append(refs, p.PlaceholderURL)
	}

	seen := make(map[string]bool, len(refs))
	out := make([]*url.URL, 0, len(refs))
	for _, ref := range refs {
		u, err := p.resolve(ref)
		if err != nil {
			return nil, err
		}
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		out = append(out, u)
	}
	return out, nil
}

// optionalURLs returns the manifest URLs that were added implicitly and whose
// pre-cache failure does not fail an install. Only the image placeholder
// qualifies; the offline page is always required.
func (p Policy) optionalURLs() (map[string]bool, error) {
	out := map[string]bool{}
	if !p.ImagePlaceholder {
		return out, nil
	}
	ph, err := p.resolve(p.PlaceholderURL)
	if err != nil {
		return nil, err
	}
	for _, ref := range p.Precache {
		u, err := p.resolve(ref)
		if err != nil {
			return nil, err
		}
		if u.String() == ph.String() {
			return out, nil
		}
	}
	out[ph.String()] = true
	return out, nil
}

// SameOrigin reports whether u shares scheme and host with the policy origin
func (p Policy) SameOrigin(u *url.URL) bool {
	if u == nil || p.Origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, p.Origin.Scheme) && strings.EqualFold(u.Host, p.Origin.Host)
}

func (p Policy) isAPI(u *url.URL) bool {
	return strings.Contains(u.Path, p.APIMarker)
}

// Fingerprint identifies the policy content; two workers with equal
// fingerprints are the same generation.
func (p Policy) Fingerprint() string {
	origin := ""
	if p.Origin != nil {
		origin = p.Origin.String()
	}
	b, _ := json.Marshal(struct {
		Origin           string
		Generation       string
		Precache         []string
		OfflineURL       string
		PlaceholderURL   string
		APIMarker        string
		InstallFailure   InstallFailureMode
		ImagePlaceholder bool
		StoreErrors      StoreErrorMode
		SkipWaiting      bool
		NetworkTimeout   time.Duration
	}{
		origin, p.Generation, p.Precache, p.OfflineURL, p.PlaceholderURL, p.APIMarker,
		p.InstallFailure, p.ImagePlaceholder, p.StoreErrors, p.SkipWaiting, p.NetworkTimeout,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WithGeneration returns a copy of p for a new generation and manifest.
// A nil precache keeps the current manifest.
func (p Policy) WithGeneration(generation string, precache []string) Policy {
	c := p.clone()
	c.Generation = generation
	if precache != nil {
		c.Precache = slices.Clone(precache)
	}
	return c
}
