// Package control exposes the edge's lifecycle events, control messages
// and background sync trigger over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/lifecycle"
	"github.com/52poke/nagi/internal/maintenance"
	"github.com/52poke/nagi/internal/refresh"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const PathPrefix = "/__nagi"

const (
	MessageSkipWaiting    = "SKIP_WAITING"
	MessageCacheCleanup   = "CACHE_CLEANUP"
	MessageGetCacheSize   = "GET_CACHE_SIZE"
	MessagePreloadContent = "PRELOAD_CONTENT"
	MessageUpdateCache    = "UPDATE_CACHE"
)

const syncTagBackground = "background-sync"

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrUnknownPartition = errors.New("partition is not part of the current version")
)

// Message is a control message posted by a page.
type Message struct {
	Type      string   `json:"type"`
	URLs      []string `json:"urls,omitempty"`
	CacheName string   `json:"cacheName,omitempty"`
}

type syncRequest struct {
	Tag string `json:"tag"`
}

type Handler struct {
	Lifecycle   *lifecycle.Manager
	Maintenance *maintenance.Worker
	Warmer      *refresh.Queue
	Backlog     *refresh.Backlog
	Store       cache.Store
	Resolve     func(string) (string, error)
	Logger      *zap.Logger
}

// Register mounts the control endpoints and health checks on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ready).Methods(http.MethodGet)

	s := r.PathPrefix(PathPrefix).Subrouter()
	s.HandleFunc("/install", h.install).Methods(http.MethodPost)
	s.HandleFunc("/activate", h.activate).Methods(http.MethodPost)
	s.HandleFunc("/message", h.message).Methods(http.MethodPost)
	s.HandleFunc("/sync", h.sync).Methods(http.MethodPost)
	s.HandleFunc("/status", h.status).Methods(http.MethodGet)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.State() != lifecycle.StateActive {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) install(w http.ResponseWriter, r *http.Request) {
	report, err := h.Lifecycle.Install(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	report, err := h.Lifecycle.Activate(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	names, err := h.Store.Partitions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	current := h.Lifecycle.Partitions()
	parts := make([]partitionStatus, 0, len(names))
	for _, name := range names {
		parts = append(parts, partitionStatus{
			Name:    name,
			Purpose: cache.PurposeOf(name),
			Current: current.Contains(name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    current.Version,
		"state":      h.Lifecycle.State().String(),
		"partitions": parts,
		"backlog":    h.Backlog.Len(),
	})
}

type partitionStatus struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	Current bool   `json:"current"`
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	reply, err := h.Dispatch(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Dispatch applies msg and returns the reply for the sender.
func (h *Handler) Dispatch(ctx context.Context, msg Message) (any, error) {
	h.Logger.Debug("control message", zap.String("type", msg.Type))
	switch strings.ToUpper(msg.Type) {
	case MessageSkipWaiting:
		if err := h.Lifecycle.SkipWaiting(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"state": h.Lifecycle.State().String()}, nil
	case MessageCacheCleanup:
		return h.Maintenance.Run(ctx)
	case MessageGetCacheSize:
		size, err := h.Maintenance.Size(ctx)
		if err != nil {
			h.Logger.Warn("cache size incomplete", zap.Error(err))
		}
		return map[string]int64{"size": size}, nil
	case MessagePreloadContent:
		return h.warm(ctx, h.Lifecycle.Partitions().Dynamic, msg.URLs), nil
	case MessageUpdateCache:
		if !h.Lifecycle.Partitions().Contains(msg.CacheName) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, msg.CacheName)
		}
		return h.warm(ctx, msg.CacheName, msg.URLs), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

type warmReply struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
}

func (h *Handler) warm(ctx context.Context, partition string, urls []string) warmReply {
	reply := warmReply{Cached: []string{}, Failed: []string{}}
	for _, ref := range urls {
		target, err := h.Resolve(ref)
		if err == nil {
			err = h.Warmer.Refresh(ctx, refresh.Job{Partition: partition, URL: target})
		}
		if err != nil {
			h.Logger.Warn("warm failed", zap.String("url", ref), zap.String("partition", partition), zap.Error(err))
			reply.Failed = append(reply.Failed, ref)
			continue
		}
		reply.Cached = append(reply.Cached, ref)
	}
	return reply
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Tag: syncTagBackground}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid sync request", http.StatusBadRequest)
			return
		}
	}
	if req.Tag != syncTagBackground {
		writeJSON(w, http.StatusOK, map[string]any{"tag": req.Tag, "replayed": 0})
		return
	}
	done, err := h.Backlog.Replay(r.Context(), h.Warmer)
	if err != nil {
		h.Logger.Info("background sync left requests pending", zap.Int("pending", h.Backlog.Len()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tag":      req.Tag,
		"replayed": done,
		"pending":  h.Backlog.Len(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrUnknownPartition):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrNotInstalled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
