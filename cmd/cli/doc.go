// Package cli constructs the git-branch-syncer command-line interface, wiring
// the Cobra command hierarchy, configuration loader, and structured logging
// primitives.
package cli
