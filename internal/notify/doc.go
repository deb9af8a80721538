// Package notify provides the per-epoch notification bus that fans status
// events out to observers. A Bus delivers values to every attached Subscriber
// in attachment order on a dedicated dispatcher goroutine, then closes with
// exactly one terminal signal (completion, error or cancellation). Observers
// that attach after the bus closed receive an immediate completion so that
// nobody waits on a dead epoch.
package notify
