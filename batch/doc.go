// Package batch implements administratively triggered mass revocation.
//
// A job selects a set of users and their sessions (by group, client, session
// age, a CEL predicate over session metadata, or everyone in an emergency),
// persists itself as pending, and is picked up by the dispatcher started
// with Engine.Start. Each affected user is handled as an independent unit on
// a bounded worker pool: their matching tokens are revoked, their sessions
// terminated, an optional notification is sent and an AffectedUserRecord is
// stored.
//
// Job state lives in the store. Claiming a pending job and cancelling a job
// are conditional status transitions, so several instances can share one
// store. Cancellation is cooperative: it is checked before every unit and
// never rolls back units that already ran.
//
// A dry run walks the same targets and counts what would be revoked without
// changing anything.
//
// Emergency jobs revoke every live session and require a confirmation token
// signed with the confirmation secret by IssueConfirmation, which the server
// never exposes over HTTP (operators run "ssod emergency confirm"). The
// token is single use and expires after five minutes.
package batch
