// Package system provides the wall clock used by job trackers and executors.
package system

import (
	"time"

	"github.com/JakeFAU/article-ingest/internal/job"
)

var _ job.Clock = (*Clock)(nil)

// Clock implements job.Clock. Timestamps are UTC so persisted start and end
// times compare consistently across processes.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}
