package delivery

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cbroglie/mustache"

	"campaignbot/internal/transport"
)

// targetDataKey is the fixed template variable holding workflow data.
const targetDataKey = "targetData"

// Personalize renders the message template for one resolved recipient.
//
// The rendering context nests the recipient under mapping.TargetName and
// the recipient's data record under "targetData". The mapping passed here
// must agree with the message's own mapping; a mismatch means the caller
// wired the delivery wrong and is a contract error, not a recipient skip.
func Personalize(msg Message, recipient *transport.Recipient, data TargetData, mapping TargetMapping) (string, error) {
	if recipient == nil {
		return "", ErrInvalidRecipient
	}
	if strings.TrimSpace(mapping.TargetName) == "" {
		return "", ErrInvalidTargetMapping
	}
	if strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyTemplate
	}
	if msg.TargetMapping.TargetName != mapping.TargetName {
		return "", ErrMappingMismatch
	}

	ctx := map[string]any{
		targetDataKey:      data.recordFor(recipient.ID, mapping),
		mapping.TargetName: recipientView(recipient),
	}

	rendered, err := mustache.Render(msg.Content, ctx)
	if err != nil {
		return "", fmt.Errorf("personalize: template rendering failed: %w", err)
	}
	if utf8.RuneCountInString(rendered) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return rendered, nil
}

// recordFor picks the data record for one recipient: the shared record, or
// the per-recipient record whose identifier key matches the resolved ID.
// A missing per-recipient record renders as empty, matching how an absent
// variable behaves in the template language.
func (d TargetData) recordFor(recipientID string, mapping TargetMapping) Record {
	if d.PerRecipient == nil {
		if d.Shared == nil {
			return Record{}
		}
		return d.Shared
	}
	key := mapping.Identifier
	if key == "" {
		key = "id"
	}
	for _, rec := range d.PerRecipient {
		if fmt.Sprint(rec[key]) == recipientID {
			return rec
		}
	}
	return Record{}
}

func recipientView(r *transport.Recipient) Record {
	return Record{
		"id":          r.ID,
		"username":    r.Username,
		"firstName":   r.FirstName,
		"lastName":    r.LastName,
		"displayName": r.DisplayName,
	}
}

// NormalizeContent trims the whole template and every line; campaign copy
// tends to arrive from editors with stray indentation.
func NormalizeContent(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}
