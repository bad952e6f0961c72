package storage

import "time"

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Broadlog last_event values.
const (
	EventSuccess = "success"
	EventError   = "error"
)

// BroadlogEntry records one send attempt. Rows are append-only; the
// primary key is referenced by tracked URL rows after the fact.
type BroadlogEntry struct {
	ID                int64
	DeliveryID        string
	Text              string
	To                string // recipient ID
	LastEvent         string // EventSuccess or EventError
	Channel           string
	CommunicationCode string
	CreatedAt         time.Time
}

// TrackedURL is one rewritten campaign link. BroadlogID is zero until the
// send attempt it belongs to has been logged.
type TrackedURL struct {
	ID         string // shortcode
	URL        string
	DeliveryID string
	BroadlogID int64
	CreatedAt  time.Time
}

// Member is a campaign target, kept in sync by the host.
type Member struct {
	RecipientID  string
	Name         string
	LastActiveAt time.Time
}

// RaidSignup is one member signed up for an upcoming event.
type RaidSignup struct {
	RecipientID string
	RaidName    string
	StartsAt    time.Time
}
