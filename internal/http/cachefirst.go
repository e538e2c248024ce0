package httpx

import (
	"context"

	"go.uber.org/zap"
)

// cacheFirst answers from the partition when it can. Style and script hits
// also queue a background refresh so the next visit sees new assets.
func (h *Handler) cacheFirst(ctx context.Context, req request) result {
	if e, ok := h.lookup(ctx, req.partition, req.key); ok {
		if req.route.Refreshes() {
			h.refreshLater(req)
		}
		return result{resp: fromEntry(e), status: statusHit}
	}

	resp, err := h.Fetcher.Fetch(ctx, req.url, req.header)
	if err != nil {
		h.Logger.Debug("cache-first fetch failed", zap.String("url", req.url), zap.Error(err))
		return result{resp: h.fallbackFor(req.route), status: statusFallback}
	}
	if resp.OK() {
		h.store(ctx, req, resp)
	}
	return result{resp: resp, status: statusMiss}
}
