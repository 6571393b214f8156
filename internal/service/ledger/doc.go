// Package ledger owns the EmailSend state machine and the EmailEvent audit
// log.
//
// Every state change is expressed as a Mutation: a single-row conditional
// update whose guard encodes the transition table. Repositories apply a
// Mutation atomically and report whether the row changed, which makes
// replays and concurrent duplicates no-ops.
package ledger
