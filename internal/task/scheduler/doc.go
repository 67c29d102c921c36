// Package scheduler triggers named jobs on cron or interval schedules.
//
// Jobs run on their own goroutine with a per-run timeout. A schedule whose
// previous run is still in flight skips the trigger.
package scheduler
