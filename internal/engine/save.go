package engine

import (
	"context"
	"fmt"
	"time"

	"handoff/internal/domain"
	"handoff/internal/form"
)

// autosave reacts to a committed value change: recompute the full cleaned
// payload for the assignment, compare against the last-persisted snapshot,
// and issue a non-terminal persistence call when they differ. With a delay
// configured the flush is coalesced; the payload is recomputed at fire time
// so a slow flush always carries the newest committed values.
func (c *Controller) autosave(ctx context.Context, id string) error {
	c.mu.Lock()
	if !c.touched[id] {
		c.mu.Unlock()
		return nil
	}
	if c.autosaveDelay > 0 {
		if t, ok := c.timers[id]; ok {
			t.Stop()
		}
		c.timers[id] = c.newFlushTimer(id)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.flushAutosave(ctx, id)
}

func (c *Controller) newFlushTimer(id string) *time.Timer {
	return time.AfterFunc(c.autosaveDelay, func() {
		_ = c.flushAutosave(context.Background(), id)
	})
}

func (c *Controller) flushAutosave(ctx context.Context, id string) error {
	c.mu.Lock()
	tpl, ok := c.templates[id]
	if !ok || !c.heldLocked(id) {
		c.mu.Unlock()
		return nil
	}
	payload := form.BuildPayload(tpl, c.values[id])
	encoded := form.EncodePayload(payload)
	if encoded == c.snapshots[id] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.svc.Store.PersistValues(ctx, id, payload, false); err != nil {
		c.logf("autosave %s: %v", id, err)
		return fmt.Errorf("autosave %s: %w", id, err)
	}

	c.mu.Lock()
	if c.heldLocked(id) {
		c.snapshots[id] = encoded
	}
	c.mu.Unlock()
	return nil
}

// Save is the explicit, terminal persistence path: all steps' cleaned
// groups regardless of dirtiness, completion flag set. Server-side
// validation messages ride back on a successful response and are surfaced
// verbatim; the transport is never retried here.
func (c *Controller) Save(ctx context.Context, id string) (domain.SaveResult, error) {
	c.mu.Lock()
	tpl, ok := c.templates[id]
	if !ok || !c.heldLocked(id) {
		c.mu.Unlock()
		return domain.SaveResult{}, fmt.Errorf("assignment %s has no resolved template", id)
	}
	payload := form.BuildPayload(tpl, c.values[id])
	encoded := form.EncodePayload(payload)
	c.mu.Unlock()

	res, err := c.svc.Store.PersistValues(ctx, id, payload, true)
	if err != nil {
		return domain.SaveResult{}, fmt.Errorf("save %s: %w", id, err)
	}

	c.mu.Lock()
	if c.heldLocked(id) {
		c.snapshots[id] = encoded
	}
	c.mu.Unlock()
	return res, nil
}
