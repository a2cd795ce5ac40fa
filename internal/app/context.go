package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/repo"
)

// ResolveUser returns the named user, creating a minimal record on first
// use so a fresh workspace works without an enrollment step.
func ResolveUser(ctx context.Context, r repo.Repo, username string) (domain.User, error) {
	if username == "" {
		username = "local-user"
	}
	u, err := r.GetUserByUsername(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		u = domain.User{
			ID:          uuid.New().String(),
			Username:    username,
			DisplayName: username,
		}
		if err := r.UpsertUser(ctx, u); err != nil {
			return u, fmt.Errorf("seed user %s: %w", username, err)
		}
		return u, nil
	}
	return u, err
}

// NewSession wires a hand-off controller to the sqlite-backed collaborators
// for one user and syncs the assignment roster once.
func NewSession(ctx context.Context, r repo.Repo, cfg *config.Config, username string) (*engine.Controller, error) {
	u, err := ResolveUser(ctx, r, username)
	if err != nil {
		return nil, err
	}
	store := repo.SessionStore{Repo: r, User: u}
	ctrl := engine.New(engine.Services{
		Assignments: store,
		Templates:   store,
		Roster:      store,
		Store:       store,
	}, u,
		engine.WithSignatureCache(cfg.Session.SignatureCache),
		engine.WithAutosaveDelay(time.Duration(cfg.Session.AutosaveDelayMS)*time.Millisecond),
	)
	if err := ctrl.SyncAssignments(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}
