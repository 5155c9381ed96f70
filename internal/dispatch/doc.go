// Package dispatch is the entry point for client messages.
//
// Each message names a platform (its context), an actor and a verb. The
// dispatcher resolves the platform instance through the process manager,
// enqueues the message with the session secret attached and hands back a
// channel that receives exactly one reply.
//
// Reply rules:
//   - credentials messages are saved to the credential store scoped by the
//     session secret and acknowledged without their object; they are never
//     queued
//   - an unknown platform or unsupported verb is answered immediately with
//     the message annotated with an error
//   - a closed queue is answered the same way, never with a Go error
//   - otherwise the reply is the job's result, or the original message
//     when the worker produced none
//
// A persist instance whose credential verb failed has its queue paused.
// When a client retries that verb the dispatcher discards the instance and
// resubmits once to a fresh worker.
package dispatch
