package outbox

import "fmt"

// Status is the delivery state of an OutboxMessage.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusDeadLetter}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrOutboxStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether status is a known outbox status.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no automatic transition leaves status.
func (status Status) IsTerminal() bool {
	return status == StatusSent || status == StatusDeadLetter
}

// CanTransitionTo reports whether the lifecycle allows status -> next.
//
//	PENDING     -> PROCESSING             (claim)
//	PROCESSING  -> SENT                   (delivered)
//	PROCESSING  -> PENDING | DEAD_LETTER  (failure, depending on attempts)
//	DEAD_LETTER -> PENDING                (operator retry)
//	FAILED      -> PENDING                (operator retry of legacy rows)
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSent || next == StatusPending || next == StatusDeadLetter
	case StatusDeadLetter, StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition checks a raw from/to pair against the lifecycle.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrOutboxTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}

// FailureOutcome returns the status a failed attempt leads to given the
// attempts already recorded and the message budget.
func FailureOutcome(attempts, maxAttempts int) Status {
	if attempts+1 >= maxAttempts {
		return StatusDeadLetter
	}

	return StatusPending
}
