package cache

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// KeyFor builds the request identity used as a store key: the method plus the
// absolute URL with its fragment removed. HEAD shares GET's identity.
func KeyFor(method string, u *url.URL) string {
	m, raw := identity(method, u)
	return m + " " + raw
}

func identity(method string, u *url.URL) (string, string) {
	method = strings.ToUpper(method)
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return method, c.String()
}

// RequestKey is KeyFor applied to an outgoing request
func RequestKey(req *http.Request) string {
	return KeyFor(req.Method, req.URL)
}

// fileNameFor maps a key to a filesystem-safe name. Keys are arbitrary URLs,
// so they are always hashed; the entry keeps the original key.
func fileNameFor(key string) string {
	hash := md5.Sum([]byte(key))
	return fmt.Sprintf("hash_%x.json", hash)
}

// dirNameFor maps a store name to a directory name that round-trips
func dirNameFor(name string) string {
	return url.PathEscape(name)
}

// nameFromDir reverses dirNameFor
func nameFromDir(dir string) (string, bool) {
	name, err := url.PathUnescape(dir)
	if err != nil || ValidateName(name) != nil {
		return "", false
	}
	return name, true
}
