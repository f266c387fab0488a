// Package dispatcher drains the outbox: it claims pending messages, resolves
// their channel to an adapter and folds every send result back into the
// outbox state machine.
package dispatcher
