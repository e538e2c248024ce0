package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	ErrNotFound          = errors.New("cache entry not found")
	ErrPartitionNotFound = errors.New("cache partition not found")
)

// Entry is a stored response keyed by its request identity.
type Entry struct {
	Key      string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// storedHeaders are the only response headers an entry keeps. Entries are
// replayed to every client, so nothing user-specific such as Set-Cookie
// may be stored.
var storedHeaders = []string{
	"Cache-Control",
	"Content-Encoding",
	"Content-Language",
	"Content-Type",
	"Date",
	"Etag",
	"Expires",
	"Last-Modified",
	"Vary",
}

// StoredHeader returns the subset of h an entry keeps.
func StoredHeader(h http.Header) http.Header {
	out := http.Header{}
	for _, k := range storedHeaders {
		if v := h.Values(k); len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// NewEntry builds a GET entry for url captured at now.
func NewEntry(url string, status int, header http.Header, body []byte, now time.Time) Entry {
	return Entry{
		Key:      RequestKey(http.MethodGet, url),
		URL:      url,
		Status:   status,
		Header:   StoredHeader(header),
		Body:     body,
		StoredAt: now.UTC(),
	}
}

// Date is the entry timestamp used for age decisions: the response Date
// header when it parses, otherwise the capture time.
func (e Entry) Date() time.Time {
	if v := e.Header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return e.StoredAt
}

// Size is the materialized body size in bytes.
func (e Entry) Size() int64 {
	return int64(len(e.Body))
}

func (e Entry) clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// RequestKey is the identity entries are stored under.
func RequestKey(method, url string) string {
	return method + " " + url
}

// Store holds named partitions of request/response pairs. Every call names
// its partition; implementations must be safe for concurrent use and
// atomic per key.
type Store interface {
	// Open creates the partition if it does not exist.
	Open(ctx context.Context, partition string) error
	Get(ctx context.Context, partition, key string) (Entry, error)
	Put(ctx context.Context, partition string, entry Entry) error
	// Delete removes key; removing a missing key is not an error.
	Delete(ctx context.Context, partition, key string) error
	Keys(ctx context.Context, partition string) ([]string, error)
	Partitions(ctx context.Context) ([]string, error)
	DeletePartition(ctx context.Context, partition string) error
}

// Peeker is implemented by stores that can read an entry without
// promoting it into a read cache.
type Peeker interface {
	Peek(ctx context.Context, partition, key string) (Entry, error)
}

// Peek reads an entry for bulk scans. It falls back to Get when s keeps no
// read cache.
func Peek(ctx context.Context, s Store, partition, key string) (Entry, error) {
	if p, ok := s.(Peeker); ok {
		return p.Peek(ctx, partition, key)
	}
	return s.Get(ctx, partition, key)
}
