// Package hook runs the user's post-update script as a supervised child process.
//
// Supervisor keeps at most one hook child alive, superseding a still-running
// execution before starting the next one. Hook failures are logged and never
// propagate to the sync engine.
package hook
