// Package launcher starts sync daemons either in the current process or as
// detached background processes re-executing this binary.
package launcher
