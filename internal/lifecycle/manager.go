// Package lifecycle drives a cache version through install and activation.
//
// A version moves uninstalled → installing → installed → activating →
// active. Install precaches the manifest into the version's partitions;
// activation deletes every partition that does not belong to the version
// and then hands the version to the request handler.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/config"
	"github.com/52poke/nagi/internal/origin"
	"github.com/52poke/nagi/internal/refresh"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotInstalled      = errors.New("version is not installed")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Warmer fetches one URL into a partition.
type Warmer interface {
	Refresh(ctx context.Context, job refresh.Job) error
}

// Claimer takes over request handling for a version.
type Claimer interface {
	Claim(p cache.Partitions)
}

// InstallReport lists per-asset outcomes. Err aggregates every failure.
type InstallReport struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
	Err    error    `json:"-"`
}

type ActivateReport struct {
	Deleted []string `json:"deleted"`
	Kept    []string `json:"kept"`
}

type Manager struct {
	partitions cache.Partitions
	manifest   config.Manifest
	store      cache.Store
	warmer     Warmer
	claimer    Claimer
	resolve    func(string) (string, error)
	logger     *zap.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func NewManager(version string, manifest config.Manifest, store cache.Store, warmer Warmer, claimer Claimer, resolve func(string) (string, error), logger *zap.Logger) *Manager {
	return &Manager{
		partitions: cache.NewPartitions(version),
		manifest:   manifest,
		store:      store,
		warmer:     warmer,
		claimer:    claimer,
		resolve:    resolve,
		logger:     logger.With(zap.String("version", version)),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Partitions() cache.Partitions {
	return m.partitions
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: %s → %s while %s", ErrInvalidTransition, from, to, m.state)
	}
	m.state = to
	return nil
}

func (m *Manager) set(to State) {
	m.mu.Lock()
	m.state = to
	m.mu.Unlock()
}

// Install opens the version's partitions and precaches the manifest.
// Asset failures are isolated: they are reported, never fatal.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	if err := m.transition(StateUninstalled, StateInstalling); err != nil {
		return InstallReport{}, err
	}
	m.logger.Info("installing")

	var report InstallReport
	for _, p := range m.partitions.Names() {
		if err := m.store.Open(ctx, p); err != nil {
			m.logger.Warn("open partition", zap.String("partition", p), zap.Error(err))
			report.Err = multierr.Append(report.Err, fmt.Errorf("open %s: %w", p, err))
		}
	}

	type asset struct {
		partition string
		ref       string
	}
	var assets []asset
	for _, ref := range m.manifest.Critical {
		assets = append(assets, asset{m.partitions.Static, ref})
	}
	for _, ref := range m.manifest.Images {
		assets = append(assets, asset{m.partitions.Image, ref})
	}
	for _, ref := range m.manifest.External {
		assets = append(assets, asset{m.partitions.Static, ref})
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, a := range assets {
		g.Go(func() error {
			err := m.precache(ctx, a.partition, a.ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("precache failed", zap.String("asset", a.ref), zap.Error(err))
				report.Failed = append(report.Failed, a.ref)
				report.Err = multierr.Append(report.Err, fmt.Errorf("%s: %w", a.ref, err))
				return nil
			}
			report.Cached = append(report.Cached, a.ref)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.state = StateInstalled
	skip := m.skipWaiting
	m.mu.Unlock()
	m.logger.Info("installed", zap.Int("cached", len(report.Cached)), zap.Int("failed", len(report.Failed)))

	if skip {
		if err := m.activateWaiting(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) precache(ctx context.Context, partition, ref string) error {
	target, err := m.resolve(ref)
	if err != nil {
		return err
	}
	return m.warmer.Refresh(ctx, refresh.Job{Partition: partition, URL: target, Header: origin.NoCache(nil)})
}

// SkipWaiting asks for activation as soon as install has finished. An
// installed version is activated immediately.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	m.skipWaiting = true
	state := m.state
	m.mu.Unlock()

	if state != StateInstalled {
		return nil
	}
	return m.activateWaiting(ctx)
}

// activateWaiting activates an installed version. Losing the race to
// another activation is not an error.
func (m *Manager) activateWaiting(ctx context.Context) error {
	_, err := m.Activate(ctx)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// Activate deletes every partition outside the version's set and claims
// request handling.
func (m *Manager) Activate(ctx context.Context) (ActivateReport, error) {
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		if m.State() == StateUninstalled {
			return ActivateReport{}, ErrNotInstalled
		}
		return ActivateReport{}, err
	}
	m.logger.Info("activating")

	var report ActivateReport
	names, err := m.store.Partitions(ctx)
	if err != nil {
		m.set(StateInstalled)
		return report, fmt.Errorf("list partitions: %w", err)
	}

	var errs error
	for _, name := range names {
		if m.partitions.Contains(name) {
			report.Kept = append(report.Kept, name)
			continue
		}
		if err := m.store.DeletePartition(ctx, name); err != nil && !errors.Is(err, cache.ErrPartitionNotFound) {
			m.logger.Warn("delete stale partition", zap.String("partition", name), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		m.logger.Info("deleted stale partition", zap.String("partition", name))
		report.Deleted = append(report.Deleted, name)
	}

	m.claimer.Claim(m.partitions)
	m.set(StateActive)
	m.logger.Info("active")
	if errs != nil {
		m.logger.Warn("activation left stale partitions behind", zap.Error(errs))
	}
	return report, nil
}

// Start installs the version and, when skipWaiting is set, activates it.
func (m *Manager) Start(ctx context.Context, skipWaiting bool) (InstallReport, error) {
	if skipWaiting {
		m.mu.Lock()
		m.skipWaiting = true
		m.mu.Unlock()
	}
	return m.Install(ctx)
}
