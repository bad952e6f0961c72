package delivery

import (
	"context"
	"errors"
	"time"

	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
)

// MaxContentLength is the platform ceiling for one message body.
const MaxContentLength = 2000

// Configuration errors, fatal to a delivery's construction.
var (
	ErrNoClient  = errors.New("delivery: client is required")
	ErrNoTargets = errors.New("delivery: target list is required")
	ErrNoMessage = errors.New("delivery: message content is required")
)

// Rendering contract errors. Mapping/template problems are the same for
// every recipient and therefore abort the whole delivery; ErrContentTooLong
// depends on per-recipient data and only skips that recipient.
var (
	ErrInvalidRecipient     = errors.New("personalize: invalid recipient")
	ErrInvalidTargetMapping = errors.New("personalize: invalid target mapping")
	ErrEmptyTemplate        = errors.New("personalize: message content is empty")
	ErrMappingMismatch      = errors.New("personalize: target mapping mismatch")
	ErrContentTooLong       = errors.New("personalize: rendered content exceeds platform limit")
)

// Target is a raw, unvalidated reference to a recipient.
type Target struct {
	RecipientID string
}

// Record is one template data record.
type Record map[string]any

// TargetData carries workflow-supplied data for rendering: either one
// record shared by all recipients, or one record per recipient selected by
// the mapping's identifier key.
type TargetData struct {
	Shared       Record
	PerRecipient []Record
}

// TargetMapping names the template variable the recipient is nested under,
// and the key used to select a per-recipient data record.
type TargetMapping struct {
	TargetName string
	Identifier string // per-recipient record key; default "id"
}

// Seed is an auxiliary recipient appended to a delivery, either already
// resolved or a bare identifier.
type Seed struct {
	Recipient *transport.Recipient
	ID        string
}

// Message is the shared, unrendered campaign message.
type Message struct {
	Content           string
	Embeds            []transport.Embed
	SeedList          []Seed
	CommunicationCode string
	TargetMapping     TargetMapping
}

// TrackedURL pairs a literal link with its registered shortcode.
type TrackedURL struct {
	ID  string
	URL string
}

// PersonalizedMessage is one recipient's rendered, link-rewritten message.
// Immutable once produced; sent as-is.
type PersonalizedMessage struct {
	Recipient         *transport.Recipient
	Content           string
	Embeds            []transport.Embed
	TrackedURLs       []TrackedURL
	CommunicationCode string
}

// Result aggregates send outcomes per recipient ID.
type Result struct {
	Successful []string
	Failed     []string
}

// LogStore is the broadlog half of the persistence dependency.
type LogStore interface {
	AppendBroadlog(ctx context.Context, e storage.BroadlogEntry) (int64, error)
}

// URLStore is the tracked-URL half of the persistence dependency.
type URLStore interface {
	InsertURLs(ctx context.Context, urls []storage.TrackedURL) error
	SetURLBroadlog(ctx context.Context, urlID string, broadlogID int64) error
	DeleteURLsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
