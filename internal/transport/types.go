package transport

import "context"

// Recipient is a resolved, addressable chat user. Beyond the stable ID,
// the display fields exist for template context only.
type Recipient struct {
	ID          string
	Username    string
	FirstName   string
	LastName    string
	DisplayName string
}

// Embed is an optional rich attachment. Platforms without native embeds
// render it as trailing text.
type Embed struct {
	Title       string
	Description string
	URL         string
}

// Outgoing is one direct message ready to send.
type Outgoing struct {
	Content string
	Embeds  []Embed
}

// Client is the chat-platform dependency of the delivery engine.
//
// LookupRecipient returns an error for unknown or unreachable IDs; callers
// decide whether that is fatal. SendDirectMessage delivers one DM.
type Client interface {
	// Channel names the platform for delivery-log tagging ("telegram").
	// Implementations returning "" are logged under the generic "chat".
	Channel() string

	LookupRecipient(ctx context.Context, id string) (*Recipient, error)
	SendDirectMessage(ctx context.Context, to *Recipient, msg Outgoing) error
}
