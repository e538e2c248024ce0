package httpx

import (
	"context"

	"go.uber.org/zap"
)

// staleWhileRevalidate serves a cached copy without waiting and refreshes it
// in the background. Without a copy the caller waits for the network.
func (h *Handler) staleWhileRevalidate(ctx context.Context, req request) result {
	if e, ok := h.lookup(ctx, req.partition, req.key); ok {
		h.refreshLater(req)
		return result{resp: fromEntry(e), status: statusHit}
	}

	resp, err := h.Fetcher.Fetch(ctx, req.url, req.header)
	if err == nil {
		if resp.OK() {
			h.store(ctx, req, resp)
		}
		return result{resp: resp, status: statusMiss}
	}
	h.Logger.Debug("revalidating fetch failed", zap.String("url", req.url), zap.Error(err))

	// another request may have filled the entry while we waited
	if e, ok := h.lookup(ctx, req.partition, req.key); ok {
		return result{resp: fromEntry(e), status: statusStale}
	}
	return result{resp: h.fallbackFor(req.route), status: statusFallback}
}
