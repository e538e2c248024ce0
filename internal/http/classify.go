package httpx

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/52poke/nagi/internal/cache"
)

type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

type Kind string

const (
	KindDocument Kind = "document"
	KindStyle    Kind = "style"
	KindScript   Kind = "script"
	KindFont     Kind = "font"
	KindImage    Kind = "image"
	KindAPI      Kind = "api"
)

// Route is the outcome of classifying one request.
type Route struct {
	Strategy Strategy
	Kind     Kind
	Purpose  string
	Rule     string
}

// Refreshes reports whether a cache hit should trigger a background refresh.
func (r Route) Refreshes() bool {
	return r.Kind == KindStyle || r.Kind == KindScript
}

// RequestMeta is everything classification looks at.
type RequestMeta struct {
	Method      string
	URL         *url.URL
	Destination string
}

var (
	imageExts  = extSet(".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif", ".ico")
	fontExts   = extSet(".woff", ".woff2", ".ttf", ".otf", ".eot")
	styleExts  = extSet(".css")
	scriptExts = extSet(".js", ".mjs")

	fontHosts = hostSet("fonts.googleapis.com", "fonts.gstatic.com")
	cdnHosts  = hostSet("cdn.jsdelivr.net", "cdnjs.cloudflare.com", "unpkg.com")
)

const apiPrefix = "/api/"

type rule struct {
	name  string
	match func(RequestMeta) bool
	route Route
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{
		name:  "image",
		match: func(m RequestMeta) bool { return hasExt(m.URL, imageExts) || m.Destination == "image" },
		route: Route{Strategy: StaleWhileRevalidate, Kind: KindImage, Purpose: cache.PurposeImage},
	},
	{
		name: "font",
		match: func(m RequestMeta) bool {
			return hasExt(m.URL, fontExts) || m.Destination == "font" || onHost(m.URL, fontHosts)
		},
		route: Route{Strategy: CacheFirst, Kind: KindFont, Purpose: cache.PurposeStatic},
	},
	{
		name:  "style",
		match: func(m RequestMeta) bool { return hasExt(m.URL, styleExts) || m.Destination == "style" },
		route: Route{Strategy: CacheFirst, Kind: KindStyle, Purpose: cache.PurposeStatic},
	},
	{
		name: "script",
		match: func(m RequestMeta) bool {
			return hasExt(m.URL, scriptExts) || m.Destination == "script" || onHost(m.URL, cdnHosts)
		},
		route: Route{Strategy: CacheFirst, Kind: KindScript, Purpose: cache.PurposeStatic},
	},
	{
		name:  "api",
		match: func(m RequestMeta) bool { return strings.HasPrefix(m.URL.Path, apiPrefix) },
		route: Route{Strategy: NetworkFirst, Kind: KindAPI, Purpose: cache.PurposeDynamic},
	},
}

var defaultRoute = Route{Strategy: NetworkFirst, Kind: KindDocument, Purpose: cache.PurposeDynamic, Rule: "document"}

// Classify maps a request to exactly one route. It reports false for
// requests that must not be intercepted: non-GET methods and non-http(s)
// URLs.
func Classify(m RequestMeta) (Route, bool) {
	if m.Method != http.MethodGet {
		return Route{Rule: "method-not-get"}, false
	}
	if m.URL == nil || (m.URL.Scheme != "http" && m.URL.Scheme != "https") {
		return Route{Rule: "unsupported-scheme"}, false
	}
	for _, r := range rules {
		if r.match(m) {
			route := r.route
			route.Rule = r.name
			return route, true
		}
	}
	return defaultRoute, true
}

// ClassifyRequest classifies r, whose absolute target is target.
func ClassifyRequest(r *http.Request, target *url.URL) (Route, bool) {
	return Classify(RequestMeta{
		Method:      r.Method,
		URL:         target,
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
	})
}

func hasExt(u *url.URL, exts map[string]struct{}) bool {
	_, ok := exts[strings.ToLower(path.Ext(u.Path))]
	return ok
}

func onHost(u *url.URL, hosts map[string]struct{}) bool {
	_, ok := hosts[strings.ToLower(u.Hostname())]
	return ok
}

func extSet(exts ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		m[e] = struct{}{}
	}
	return m
}

func hostSet(hosts ...string) map[string]struct{} {
	return extSet(hosts...)
}
