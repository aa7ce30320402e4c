// Package scheduler is the in-process scheduling driver.
//
// The driver is trigger-only. On every tick it:
//   - refreshes the shared heartbeat in State
//   - decides which registered entries are due
//   - hands due entries to a Triggerer (the job runner), which acquires the
//     ledger slot and executes the job body
//
// Each Start begins a new generation. Stop always abandons the current one, so
// a loop that ignores cancellation can no longer write the heartbeat or trigger.
package scheduler
