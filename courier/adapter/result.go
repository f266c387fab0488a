package adapter

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// SendStatus is the outcome of one send attempt.
type SendStatus string

const (
	SendSuccess SendStatus = "SUCCESS"
	SendFailed  SendStatus = "FAILED"
)

// SendResult is produced per Send call and never persisted; the dispatcher
// folds it into the message status.
type SendResult struct {
	Status    SendStatus
	MessageID string
	Latency   time.Duration
	// Response echoes provider data such as an offset, partition or stream id.
	Response map[string]any
	Error    string
}

// OK reports whether the send succeeded.
func (r SendResult) OK() bool {
	return r.Status == SendSuccess
}

// Succeeded builds a SUCCESS result timed from started.
func Succeeded(messageID string, started time.Time, response map[string]any) SendResult {
	if response == nil {
		response = map[string]any{}
	}

	return SendResult{
		Status:    SendSuccess,
		MessageID: messageID,
		Latency:   time.Since(started),
		Response:  response,
	}
}

// Failed builds a FAILED result. The error text is sanitised so it can be
// stored as last_error as-is.
func Failed(messageID string, started time.Time, err error) SendResult {
	reason := "unknown error"
	if err != nil {
		reason = outbox.SanitizeError(err.Error())
	}

	return SendResult{
		Status:    SendFailed,
		MessageID: messageID,
		Latency:   time.Since(started),
		Response:  map[string]any{},
		Error:     reason,
	}
}
