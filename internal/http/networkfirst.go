package httpx

import (
	"context"

	"github.com/52poke/nagi/internal/origin"
	"github.com/52poke/nagi/internal/refresh"
	"go.uber.org/zap"
)

// networkFirst never serves the partition while the network answers.
func (h *Handler) networkFirst(ctx context.Context, req request) result {
	resp, err := h.Fetcher.Fetch(ctx, req.url, origin.NoCache(req.header))
	if err == nil {
		if resp.OK() {
			h.store(ctx, req, resp)
		}
		return result{resp: resp, status: statusNetwork}
	}
	h.Logger.Debug("network-first fetch failed", zap.String("url", req.url), zap.Error(err))

	if e, ok := h.lookup(ctx, req.partition, req.key); ok {
		return result{resp: fromEntry(e), status: statusStale}
	}
	if req.route.Kind == KindAPI && h.Backlog != nil {
		h.Backlog.Add(refresh.Job{Partition: req.partition, URL: req.url, Header: req.header})
	}
	return result{resp: h.fallbackFor(req.route), status: statusFallback}
}
