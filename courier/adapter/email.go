package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// DefaultFromAddress is used when neither the channel nor the payload names
// a sender.
const DefaultFromAddress = "noreply@localhost"

// Email is a rendered message ready for a transport.
type Email struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// ComposeEmail renders msg into an Email.
//
// The payload may carry "subject", "body" (or "text"), "html" and "from".
// Templates are rendered against payload["variables"] when present, else the
// payload itself. A payload with no body is rendered as indented JSON.
func ComposeEmail(msg *outbox.OutboxMessage, from string, renderer Renderer) (Email, error) {
	if msg == nil {
		return Email{}, outbox.ErrOutboxMessageRequired
	}

	if strings.TrimSpace(msg.Recipient) == "" {
		return Email{}, outbox.ErrRecipientRequired
	}

	variables := msg.Payload
	if nested, ok := msg.Payload["variables"].(map[string]any); ok {
		variables = nested
	}

	render := func(key string) (string, error) {
		raw, ok := msg.Payload[key].(string)
		if !ok || raw == "" {
			return "", nil
		}

		out, err := renderer.Render(raw, variables)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", key, err)
		}

		return out, nil
	}

	email := Email{From: from, To: msg.Recipient}

	if sender, ok := msg.Payload["from"].(string); ok && strings.TrimSpace(sender) != "" {
		email.From = strings.TrimSpace(sender)
	}

	if email.From == "" {
		email.From = DefaultFromAddress
	}

	var err error

	if email.Subject, err = render("subject"); err != nil {
		return Email{}, err
	}

	if email.Subject == "" {
		email.Subject = defaultSubject(msg.MessageType)
	}

	if email.Text, err = render("body"); err != nil {
		return Email{}, err
	}

	if email.Text == "" {
		if email.Text, err = render("text"); err != nil {
			return Email{}, err
		}
	}

	if email.HTML, err = render("html"); err != nil {
		return Email{}, err
	}

	if email.Text == "" && email.HTML == "" {
		pretty, err := json.MarshalIndent(msg.Payload, "", "  ")
		if err != nil {
			return Email{}, fmt.Errorf("encode payload: %w", err)
		}

		email.Text = string(pretty)
	}

	return email, nil
}

func defaultSubject(messageType string) string {
	words := strings.FieldsFunc(messageType, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})

	for i, word := range words {
		first, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(first)) + word[size:]
	}

	if len(words) == 0 {
		return "Notification"
	}

	return strings.Join(words, " ")
}
