// Package system provides the wall clock used to stamp ledger rows and events.
package system

import "time"

// Clock reads the host clock.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now returns the current UTC time truncated to microseconds, the precision
// Postgres keeps, so a stamped attempt reads back unchanged from the ledger.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
