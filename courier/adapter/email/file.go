package email

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// FileAdapter appends rendered emails to a local file. It is the email
// fallback and never talks to the network.
type FileAdapter struct {
	composer

	path string
	mu   sync.Mutex
	file *os.File
}

var _ adapter.EmailAdapter = (*FileAdapter)(nil)

// NewFileAdapter takes the path from the channel config "path" or from a
// file:// connection URL.
func NewFileAdapter(params adapter.Params) *FileAdapter {
	path := params.String("path", strings.TrimPrefix(params.ConnectionURL, "file://"))
	if path == "" {
		path = "outbox_emails.log"
	}

	return &FileAdapter{composer: newComposer(params), path: path}
}

// ProviderName returns "file".
func (a *FileAdapter) ProviderName() string { return detection.ProviderFile }

// Path is the file messages are appended to.
func (a *FileAdapter) Path() string { return a.path }

// Initialize creates the parent directory if needed and opens the file in
// append mode.
func (a *FileAdapter) Initialize(context.Context) error {
	if dir := filepath.Dir(a.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create email log directory: %w", err)
		}
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open email log: %w", err)
	}

	a.mu.Lock()
	a.file = file
	a.mu.Unlock()

	return nil
}

// Send renders msg and appends it as a plain-text block.
func (a *FileAdapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	if err := ctx.Err(); err != nil {
		return adapter.Failed(id, started, err)
	}

	email, err := a.Compose(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	entry := formatEntry(email, id, started)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return adapter.Failed(id, started, adapter.ErrNotInitialized)
	}

	if _, err := a.file.WriteString(entry); err != nil {
		return adapter.Failed(id, started, fmt.Errorf("append email: %w", err))
	}

	return adapter.Succeeded(id, started, map[string]any{"path": a.path})
}

func formatEntry(email adapter.Email, id string, at time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== %s message_id=%s\n", at.UTC().Format(time.RFC3339), id)
	fmt.Fprintf(&b, "From: %s\nTo: %s\nSubject: %s\n\n", email.From, email.To, email.Subject)

	if email.Text != "" {
		b.WriteString(email.Text)
		b.WriteString("\n")
	}

	if email.HTML != "" {
		b.WriteString("--- html ---\n")
		b.WriteString(email.HTML)
		b.WriteString("\n")
	}

	b.WriteString("\n")

	return b.String()
}

// HealthCheck reports whether the file is open.
func (a *FileAdapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.file != nil
}

// Shutdown closes the file. Later sends fail until Initialize is called again.
func (a *FileAdapter) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	err := a.file.Close()
	a.file = nil

	if err != nil {
		return fmt.Errorf("close email log: %w", err)
	}

	return nil
}
