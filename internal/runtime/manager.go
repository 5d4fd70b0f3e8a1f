package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/raaihank/sam2-worker/internal/apperr"
)

// Manager owns the decoder session. The first successful Load is memoized
// and shared by every later caller; concurrent callers share one attempt.
type Manager struct {
	opener   Opener
	backends []Backend
	logger   *zap.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	session Session
}

// NewManager creates a manager trying backends in the given order. A nil or
// empty list selects DefaultBackends.
func NewManager(opener Opener, backends []Backend, logger *zap.Logger) *Manager {
	if len(backends) == 0 {
		backends = DefaultBackends()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opener:   opener,
		backends: append([]Backend(nil), backends...),
		logger:   logger,
	}
}

// Load returns the session, creating it from model on first use. The
// shared attempt outlives callers that give up waiting on it.
func (m *Manager) Load(ctx context.Context, model []byte) (Session, error) {
	if s := m.Session(); s != nil {
		return s, nil
	}

	ch := m.group.DoChan("session", func() (interface{}, error) {
		if s := m.Session(); s != nil {
			return s, nil
		}
		s, err := m.open(context.WithoutCancel(ctx), model)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.session = s
		m.mu.Unlock()
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", apperr.ErrSession, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *Manager) open(ctx context.Context, model []byte) (Session, error) {
	if len(model) == 0 {
		return nil, fmt.Errorf("%w: empty model", apperr.ErrSession)
	}

	var errs []error
	for _, b := range m.backends {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", apperr.ErrSession, err)
		}

		start := time.Now()
		s, err := m.opener.Open(ctx, b, model)
		if err != nil {
			m.logger.Warn("Backend initialization failed, trying next",
				zap.String("backend", string(b)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
			continue
		}

		m.logger.Info("Decoder session ready",
			zap.String("backend", string(b)),
			zap.Int("model_bytes", len(model)),
			zap.Strings("inputs", s.InputNames()),
			zap.Strings("outputs", s.OutputNames()),
			zap.Duration("duration", time.Since(start)))
		return s, nil
	}

	m.logger.Error("No inference backend could be initialized", zap.Errors("attempts", errs))
	return nil, fmt.Errorf("%w: %w: %w", apperr.ErrSession, apperr.ErrNoBackendAvailable, errors.Join(errs...))
}

// Session returns the memoized session or nil.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Backend returns the selected backend, or "" before a successful Load.
func (m *Manager) Backend() Backend {
	if s := m.Session(); s != nil {
		return s.Backend()
	}
	return ""
}

// Backends returns the configured priority order.
func (m *Manager) Backends() []Backend {
	return append([]Backend(nil), m.backends...)
}

// Close releases the session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}
