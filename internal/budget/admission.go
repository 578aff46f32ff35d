package budget

import "context"

// Controller is the admission gate: per-user request rate first, then a
// token reservation across the user and global scopes.
type Controller struct {
	Ledger  *Ledger
	Limiter *RateLimiter
}

func NewController(ledger *Ledger, limiter *RateLimiter) *Controller {
	return &Controller{Ledger: ledger, Limiter: limiter}
}

// Admit returns a reservation for the estimated cost of the request.
func (c *Controller) Admit(userID, text string, contextTokens int64) (Reservation, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Allow(userID); err != nil {
			return Reservation{}, err
		}
	}
	estimate := c.Ledger.Estimate(text, contextTokens)
	return c.Ledger.Reserve(ScopesFor(userID), estimate)
}

// Run starts the background sweepers and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c.Limiter != nil {
		go c.Limiter.Run(ctx)
	}
	c.Ledger.Run(ctx)
}
