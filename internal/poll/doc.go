// Package poll implements the translation status polling engine.
//
// A Client owns at most one running epoch at a time. Each call to
// Client.Start opens a brand-new Session with its own correlation id,
// cancellation scope and notification bus; any previous epoch is cancelled
// and its bus force-closed first, so two loops never query concurrently.
//
// Within a Session a single goroutine repeats "query, publish, wait" until
// the job completes, the job reports an error, the transport fails, the
// configured timeout elapses, or the session is cancelled. Waits follow an
// exponential schedule (initial, 2x, 4x, ... capped at the maximum interval)
// with +/-10% jitter and are interrupted as soon as the session is
// cancelled. Cancellation also aborts an in-flight request.
//
// Observers attach through Client.Subscribe or Session.Subscribe and receive
// every Event in order followed by exactly one terminal signal.
package poll
