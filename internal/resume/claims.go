package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/stream-worker/internal/core"
)

// ErrOwnershipConflict indicates a story claimed by another live worker.
var ErrOwnershipConflict = errors.New("story owned by another worker")

type claim struct {
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Claim takes or renews ownership of a story. A claim held by another
// worker is only taken over once it is older than the claim TTL.
func (c *Coordinator) Claim(ctx context.Context, storyID string) error {
	value, err := c.encodeClaim()
	if err != nil {
		return err
	}

	entry, err := c.owners.Get(ctx, storyID)
	if err != nil {
		if !errors.Is(err, core.ErrKeyNotFound) {
			return fmt.Errorf("failed to read claim of story %s: %w", storyID, err)
		}

		_, err = c.owners.Create(ctx, storyID, value)
		if err != nil {
			if errors.Is(err, core.ErrKeyExists) {
				return fmt.Errorf("%w: story %s claimed concurrently", ErrOwnershipConflict, storyID)
			}

			return fmt.Errorf("failed to claim story %s: %w", storyID, err)
		}

		c.own(storyID)

		return nil
	}

	var current claim

	err = json.Unmarshal(entry.Value, &current)
	if err != nil {
		return fmt.Errorf("failed to decode claim of story %s: %w", storyID, err)
	}

	expired := c.opts.Now().Sub(current.ClaimedAt) > c.opts.ClaimTTL
	if current.Owner != c.opts.WorkerID && !expired {
		return fmt.Errorf("%w: story %s held by %s", ErrOwnershipConflict, storyID, current.Owner)
	}

	_, err = c.owners.Update(ctx, storyID, value, entry.Revision)
	if err != nil {
		if errors.Is(err, core.ErrRevisionMismatch) {
			return fmt.Errorf("%w: story %s claim changed", ErrOwnershipConflict, storyID)
		}

		return fmt.Errorf("failed to renew claim of story %s: %w", storyID, err)
	}

	if current.Owner != c.opts.WorkerID {
		c.log.Warn("Took over expired claim of story %s from %s", storyID, current.Owner)
	}

	c.own(storyID)

	return nil
}

// Refresh renews every owned claim. Stories whose claim was lost are
// returned and dropped from the owned set.
func (c *Coordinator) Refresh(ctx context.Context) []string {
	var lost []string

	for _, storyID := range c.Owned() {
		err := c.Claim(ctx, storyID)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrOwnershipConflict) {
			c.disown(storyID)

			lost = append(lost, storyID)
		}

		c.log.Warn("Failed to refresh claim of story %s: %v", storyID, err)
	}

	return lost
}

// Release gives up a story if this worker still owns it.
func (c *Coordinator) Release(ctx context.Context, storyID string) error {
	c.disown(storyID)

	entry, err := c.owners.Get(ctx, storyID)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return nil
		}

		return fmt.Errorf("failed to read claim of story %s: %w", storyID, err)
	}

	var current claim

	err = json.Unmarshal(entry.Value, &current)
	if err != nil {
		return fmt.Errorf("failed to decode claim of story %s: %w", storyID, err)
	}

	if current.Owner != c.opts.WorkerID {
		return nil
	}

	err = c.owners.Delete(ctx, storyID, entry.Revision)
	if err != nil {
		// Taken over since it was read; the claim is no longer ours.
		if errors.Is(err, core.ErrRevisionMismatch) {
			return nil
		}

		return fmt.Errorf("failed to release story %s: %w", storyID, err)
	}

	return nil
}

func (c *Coordinator) encodeClaim() ([]byte, error) {
	value, err := json.Marshal(claim{Owner: c.opts.WorkerID, ClaimedAt: c.opts.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claim: %w", err)
	}

	return value, nil
}

func (c *Coordinator) own(storyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.owned[storyID] = struct{}{}
}

func (c *Coordinator) disown(storyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.owned, storyID)
}
