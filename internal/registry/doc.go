// Package registry tracks running sync daemons through on-disk records.
//
// Each daemon owns one YAML record file keyed by repository path and branch
// name. Store enforces single-instance registration, purges records whose
// processes have exited, and delivers stop signals for the CLI commands.
package registry
