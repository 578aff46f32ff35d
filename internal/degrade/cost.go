package degrade

import "sync"

// CostTracker keeps an exponentially weighted baseline of actual tokens per
// request and flags requests far above it.
type CostTracker struct {
	mu       sync.Mutex
	alpha    float64
	multiple float64
	warmup   int
	baseline float64
	samples  int
}

func NewCostTracker(multiple float64, warmup int, alpha float64) *CostTracker {
	if multiple <= 1 {
		multiple = 3
	}
	if warmup < 1 {
		warmup = 1
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &CostTracker{alpha: alpha, multiple: multiple, warmup: warmup}
}

// Observe folds one request's actual tokens into the baseline and reports
// whether it was anomalous against the baseline before the update.
func (c *CostTracker) Observe(tokens int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := float64(tokens)
	anomalous := c.samples >= c.warmup && c.baseline > 0 && v > c.multiple*c.baseline
	if c.samples == 0 {
		c.baseline = v
	} else {
		c.baseline = c.alpha*v + (1-c.alpha)*c.baseline
	}
	c.samples++
	return anomalous
}

// Baseline returns the current EWMA and the number of samples behind it.
func (c *CostTracker) Baseline() (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline, c.samples
}
