package ingest

import (
	"sync"
	"time"
)

// Stats are the aggregate counts of one run.
type Stats struct {
	RunID        string                  `json:"run_id"`
	Received     int                     `json:"received"`
	Validated    int                     `json:"validated"`
	Rejected     int                     `json:"rejected"`
	RejectedBy   map[RejectionReason]int `json:"rejected_by,omitempty"`
	Deduplicated int                     `json:"deduplicated"`
	Created      int                     `json:"created"`
	Updated      int                     `json:"updated"`
	Unchanged    int                     `json:"unchanged"`
	Failed       int                     `json:"failed"`
	Outliers     int                     `json:"outliers"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
}

type statsCounter struct {
	mu           sync.Mutex
	received     int
	validated    int
	rejected     map[RejectionReason]int
	deduplicated int
	created      int
	updated      int
	unchanged    int
	failed       int
	outliers     int
}

func (c *statsCounter) add(fn func(*statsCounter)) {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

func (c *statsCounter) snapshot(runID string, started time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		RunID:        runID,
		Received:     c.received,
		Validated:    c.validated,
		Deduplicated: c.deduplicated,
		Created:      c.created,
		Updated:      c.updated,
		Unchanged:    c.unchanged,
		Failed:       c.failed,
		Outliers:     c.outliers,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	if len(c.rejected) > 0 {
		s.RejectedBy = make(map[RejectionReason]int, len(c.rejected))
		for reason, n := range c.rejected {
			s.RejectedBy[reason] = n
			s.Rejected += n
		}
	}
	return s
}
