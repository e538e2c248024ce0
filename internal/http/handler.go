package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/fallback"
	"github.com/52poke/nagi/internal/origin"
	"github.com/52poke/nagi/internal/refresh"
	"go.uber.org/zap"
)

const cacheStatusHeader = "X-Nagi-Cache"

const (
	statusHit      = "HIT"
	statusMiss     = "MISS"
	statusStale    = "STALE"
	statusNetwork  = "NETWORK"
	statusFallback = "FALLBACK"
	statusBypass   = "BYPASS"
)

// forwardedHeaders are copied from the client request onto origin fetches.
var forwardedHeaders = []string{"Accept", "Accept-Language", "User-Agent"}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Enqueuer accepts one-way background refresh messages.
type Enqueuer interface {
	Enqueue(job refresh.Job) bool
}

// Handler intercepts every request a page makes. Until a version has been
// claimed it passes everything straight through to the origin.
type Handler struct {
	Origin  *url.URL
	Fetcher origin.Fetcher
	Cache   cache.Store
	Refresh Enqueuer
	Backlog *refresh.Backlog
	Proxy   *httputil.ReverseProxy
	Logger  *zap.Logger
	Now     func() time.Time

	// hosts are the only hosts an absolute-form request may target.
	hosts   map[string]struct{}
	current atomic.Pointer[cache.Partitions]
}

type request struct {
	route     Route
	partition string
	key       string
	url       string
	header    http.Header
}

type result struct {
	resp   *origin.Response
	status string
}

func NewHandler(originURL string, store cache.Store, fetcher origin.Fetcher, queue Enqueuer, backlog *refresh.Backlog, logger *zap.Logger) (*Handler, error) {
	u, err := url.Parse(strings.TrimRight(originURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", originURL)
	}
	h := &Handler{
		Origin:  u,
		Fetcher: fetcher,
		Cache:   store,
		Refresh: queue,
		Backlog: backlog,
		Logger:  logger,
		Now:     time.Now,
		hosts:   map[string]struct{}{strings.ToLower(u.Host): {}},
	}
	for host := range fontHosts {
		h.hosts[host] = struct{}{}
	}
	for host := range cdnHosts {
		h.hosts[host] = struct{}{}
	}
	h.Proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				out := *pr.In.URL
				pr.Out.URL = &out
				pr.Out.Host = out.Host
				return
			}
			pr.SetURL(u)
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(cacheStatusHeader, statusBypass)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("passthrough failed", zap.String("url", r.URL.String()), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return h, nil
}

// AllowHosts adds hosts that absolute-form requests may target, such as the
// hosts of external precache assets. It must be called before serving.
func (h *Handler) AllowHosts(hosts ...string) {
	for _, host := range hosts {
		if host != "" {
			h.hosts[strings.ToLower(host)] = struct{}{}
		}
	}
}

func (h *Handler) allowed(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	_, ok := h.hosts[strings.ToLower(u.Host)]
	return ok
}

// Claim makes p the partitions every subsequent request is served from.
func (h *Handler) Claim(p cache.Partitions) {
	h.current.Store(&p)
	h.Logger.Info("claimed clients", zap.String("version", p.Version))
}

// Current returns the claimed partitions, if any.
func (h *Handler) Current() (cache.Partitions, bool) {
	p := h.current.Load()
	if p == nil {
		return cache.Partitions{}, false
	}
	return *p, true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r.URL) {
		h.Logger.Debug("rejected foreign host", zap.String("host", r.URL.Host))
		http.Error(w, "host not served by this edge", http.StatusForbidden)
		return
	}

	parts, active := h.Current()
	if !active {
		h.Proxy.ServeHTTP(w, r)
		return
	}

	target := h.target(r)
	route, ok := ClassifyRequest(r, target)
	if !ok {
		h.Proxy.ServeHTTP(w, r)
		return
	}

	partition, _ := parts.For(route.Purpose)
	req := request{
		route:     route,
		partition: partition,
		key:       cache.RequestKey(http.MethodGet, target.String()),
		url:       target.String(),
		header:    forwardHeaders(r.Header),
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.Logger.Error("request handling panicked",
				zap.String("url", req.url),
				zap.Any("panic", rec),
			)
			writeResponse(w, h.fallbackFor(route), statusFallback)
		}
	}()

	res := h.dispatch(r.Context(), req)
	writeResponse(w, res.resp, res.status)
}

func (h *Handler) dispatch(ctx context.Context, req request) result {
	switch req.route.Strategy {
	case CacheFirst:
		return h.cacheFirst(ctx, req)
	case StaleWhileRevalidate:
		return h.staleWhileRevalidate(ctx, req)
	default:
		return h.networkFirst(ctx, req)
	}
}

func (h *Handler) target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	u := *h.Origin
	u.Path = strings.TrimRight(h.Origin.Path, "/") + r.URL.Path
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	return &u
}

// lookup treats every store failure as a miss.
func (h *Handler) lookup(ctx context.Context, partition, key string) (cache.Entry, bool) {
	e, err := h.Cache.Get(ctx, partition, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.Logger.Warn("cache read failed", zap.String("partition", partition), zap.String("key", key), zap.Error(err))
		}
		return cache.Entry{}, false
	}
	return e, true
}

func (h *Handler) store(ctx context.Context, req request, resp *origin.Response) {
	entry := cache.NewEntry(req.url, resp.Status, resp.Header, resp.Body, h.now())
	if err := h.Cache.Put(ctx, req.partition, entry); err != nil {
		h.Logger.Warn("cache write failed", zap.String("partition", req.partition), zap.String("url", req.url), zap.Error(err))
	}
}

func (h *Handler) refreshLater(req request) {
	if h.Refresh == nil {
		return
	}
	h.Refresh.Enqueue(refresh.Job{Partition: req.partition, URL: req.url, Header: req.header})
}

func (h *Handler) fallbackFor(route Route) *origin.Response {
	switch route.Kind {
	case KindFont:
		return fallback.FontMissing()
	case KindImage:
		return fallback.ImagePlaceholder()
	case KindAPI:
		return fallback.APIError("")
	case KindDocument:
		return fallback.OfflinePage()
	default:
		return fallback.Offline()
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func forwardHeaders(src http.Header) http.Header {
	out := http.Header{}
	for _, k := range forwardedHeaders {
		if v := src.Values(k); len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

func fromEntry(e cache.Entry) *origin.Response {
	status := e.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &origin.Response{Status: status, Header: cache.StoredHeader(e.Header), Body: e.Body}
}

func writeResponse(w http.ResponseWriter, resp *origin.Response, cacheStatus string) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		w.Header().Del(k)
	}
	w.Header().Set(cacheStatusHeader, cacheStatus)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
