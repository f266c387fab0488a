// Package outbox implements the transactional outbox ledger: the message
// model, its delivery state machine and the repository contract that the
// dispatcher drives.
//
// A message is written as PENDING inside the producer's own transaction,
// claimed by exactly one dispatcher through a conditional PENDING to
// PROCESSING update, and then either settled as SENT, returned to PENDING
// for another attempt, or parked in DEAD_LETTER once its attempt budget is
// exhausted. Only an operator retry moves a message out of DEAD_LETTER.
package outbox
