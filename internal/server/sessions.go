package server

import (
	"context"
	"sync"

	"handoff/internal/app"
	"handoff/internal/config"
	"handoff/internal/engine"
	"handoff/internal/repo"
)

// sessionManager hands out one hand-off controller per authenticated user.
// A controller carries the user's open assignments and their in-progress
// form state, so concurrent requests for the same user share it.
type sessionManager struct {
	mu       sync.Mutex
	repo     repo.Repo
	cfg      *config.Config
	sessions map[string]*engine.Controller
}

func newSessionManager(r repo.Repo, cfg *config.Config) *sessionManager {
	return &sessionManager{
		repo:     r,
		cfg:      cfg,
		sessions: map[string]*engine.Controller{},
	}
}

func (m *sessionManager) Session(ctx context.Context, username string) (*engine.Controller, error) {
	m.mu.Lock()
	if ctrl, ok := m.sessions[username]; ok {
		m.mu.Unlock()
		return ctrl, nil
	}
	m.mu.Unlock()

	ctrl, err := app.NewSession(ctx, m.repo, m.cfg, username)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[username]; ok {
		return existing, nil
	}
	m.sessions[username] = ctrl
	return ctrl, nil
}
