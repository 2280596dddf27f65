package worker

import (
	"net/http"
	"net/url"
	"strings"
)

// Policy is the caching strategy a request is routed to.
type Policy int

const (
	PolicyPassthrough Policy = iota
	PolicyTile
	PolicyAPI
	PolicyNavigation
	PolicyStatic
)

func (p Policy) String() string {
	switch p {
	case PolicyTile:
		return "tile"
	case PolicyAPI:
		return "api"
	case PolicyNavigation:
		return "navigation"
	case PolicyStatic:
		return "static"
	default:
		return "passthrough"
	}
}

// Scope is what a worker needs to know about where requests go.
type Scope struct {
	// Origin is the application's own origin; relative URLs resolve
	// against it.
	Origin *url.URL
	// APIBase is the prefix of every remote API URL.
	APIBase string
	// TileHost is matched as a substring of map tile URLs.
	TileHost string
}

// Resolve makes u absolute against the origin and drops the fragment.
func (s Scope) Resolve(u *url.URL) *url.URL {
	var out url.URL
	if u.IsAbs() || s.Origin == nil {
		out = *u
	} else {
		out = *s.Origin.ResolveReference(u)
	}
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}

// ResolveString is Resolve for a raw reference such as a manifest entry.
func (s Scope) ResolveString(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return s.Resolve(u), nil
}

func (s Scope) SameOrigin(u *url.URL) bool {
	if s.Origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, s.Origin.Scheme) && strings.EqualFold(u.Host, s.Origin.Host)
}

type RequestInfo struct {
	Policy Policy
	// URL is the absolute request URL.
	URL    *url.URL
	Reason string
}

// ClassifyRequest routes r to exactly one policy. The checks run in a fixed
// order: tiles, API, navigations, then everything else.
func ClassifyRequest(r *http.Request, s Scope) RequestInfo {
	if r.Method != http.MethodGet {
		return RequestInfo{Policy: PolicyPassthrough, Reason: "method-not-get"}
	}

	u := s.Resolve(r.URL)
	raw := u.String()
	switch {
	case s.TileHost != "" && strings.Contains(raw, s.TileHost):
		return RequestInfo{Policy: PolicyTile, URL: u, Reason: "tile-host"}
	case s.APIBase != "" && strings.HasPrefix(raw, s.APIBase):
		return RequestInfo{Policy: PolicyAPI, URL: u, Reason: "api-base"}
	case isNavigation(r):
		return RequestInfo{Policy: PolicyNavigation, URL: u, Reason: "navigate"}
	default:
		return RequestInfo{Policy: PolicyStatic, URL: u, Reason: "static"}
	}
}

// isNavigation trusts Sec-Fetch-Mode when the client sends it and falls back
// to an Accept header asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return acceptsHTML(r.Header)
}

func acceptsHTML(h http.Header) bool {
	return strings.Contains(h.Get("Accept"), "text/html")
}
