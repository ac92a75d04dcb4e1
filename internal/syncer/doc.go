// Package syncer implements the branch synchronization state machine.
//
// Engine polls a repository on an interval, fast-forwards the watched branch
// when its upstream moves ahead, and hands updates to the hook supervisor.
// The start command assembling daemons around the engine lives here too.
package syncer
