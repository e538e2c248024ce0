package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Response is a fully read network or synthesized response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Fetcher performs network fetches of absolute URLs.
type Fetcher interface {
	Fetch(ctx context.Context, target string, headers http.Header) (*Response, error)
}

type Client struct {
	base     *url.URL
	http     *http.Client
	coalesce bool
	inflight singleflight.Group
}

var _ Fetcher = (*Client)(nil)

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithCoalescing shares one in-flight fetch between concurrent callers of
// the same URL.
func WithCoalescing(enabled bool) Option {
	return func(c *Client) {
		c.coalesce = enabled
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, baseURL)
	}
	c := &Client{
		base: base,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve turns a path or absolute URL into an absolute URL on the origin.
func (c *Client) Resolve(ref string) (string, error) {
	return Resolve(c.base, ref)
}

func Resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, ref)
	}
	return u.String(), nil
}

func (c *Client) Fetch(ctx context.Context, target string, headers http.Header) (*Response, error) {
	if !c.coalesce {
		return c.fetch(ctx, target, headers)
	}
	v, err, _ := c.inflight.Do(target, func() (interface{}, error) {
		return c.fetch(ctx, target, headers)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) fetch(ctx context.Context, target string, headers http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// NoCache returns headers that defeat intermediate HTTP caches.
func NoCache(headers http.Header) http.Header {
	out := headers.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Set("Cache-Control", "no-cache")
	out.Set("Pragma", "no-cache")
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if len(vv) == 0 {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
