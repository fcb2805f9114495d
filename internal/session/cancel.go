package session

import (
	"context"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
)

// turn is the per-request cancellation token. Only the active turn may mutate its pending message;
// every write compares the writer's turn against the active one first.
type turn struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	// message is the pending assistant message this turn owns.
	message *models.Message
}

// canceller tracks the single active turn. It is not safe for concurrent use; Session calls it with
// its mutex held.
type canceller struct {
	seq    uint64
	active *turn
}

// begin starts a new turn for msg and returns it together with the turn it superseded, if any. The
// superseded turn's context is cancelled; marking its message is left to the caller.
func (c *canceller) begin(parent context.Context, msg *models.Message) (*turn, *turn) {
	prev := c.abort()

	c.seq++
	ctx, cancel := context.WithCancel(parent)
	t := &turn{
		id:      c.seq,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		message: msg,
	}
	c.active = t
	return t, prev
}

func (c *canceller) isActive(t *turn) bool {
	return t != nil && c.active != nil && c.active.id == t.id
}

// end releases t. If t is the active turn, no turn is active afterwards.
func (c *canceller) end(t *turn) {
	if t == nil {
		return
	}
	t.cancel()
	if c.isActive(t) {
		c.active = nil
	}
}

// abort cancels and returns the active turn, or nil if there is none.
func (c *canceller) abort() *turn {
	t := c.active
	if t == nil {
		return nil
	}
	t.cancel()
	c.active = nil
	return t
}
