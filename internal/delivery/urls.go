package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

// urlRetention is how long tracked URL rows are kept before the
// opportunistic purge removes them.
const urlRetention = 30 * 24 * time.Hour

const shortcodeLength = 8

// Literal http(s) links: greedy over path/query/fragment, allowing one
// level of balanced parentheses, stopping at whitespace, quotes, commas
// and angle brackets.
var urlPattern = regexp.MustCompile(`https?://[^\s,"'()<>]+(?:\([^\s,"'()<>]*\)|[^\s,"'()<>]*)*`)

// FindLinks returns every literal link occurrence in text, in order.
func FindLinks(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if matches == nil {
		return []string{}
	}
	return matches
}

// Tracker registers campaign links and correlates them with broadlog rows.
type Tracker struct {
	store URLStore
	log   logx.Logger
}

func NewTracker(store URLStore, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: store, log: log}
}

// Register persists the given links under fresh shortcodes and returns the
// tracked pairs. Before inserting it purges rows older than the retention
// window; purge failures are logged and never block registration. A
// persistence failure on insert is logged and yields no tracked links, so
// the message goes out with its original URLs.
func (t *Tracker) Register(ctx context.Context, deliveryID string, urls []string) []TrackedURL {
	if len(urls) == 0 {
		return nil
	}

	if _, err := t.store.DeleteURLsBefore(ctx, time.Now().Add(-urlRetention)); err != nil {
		t.log.Warn("tracked url purge failed", logx.Err(err))
	}

	seen := make(map[string]struct{}, len(urls))
	tracked := make([]TrackedURL, 0, len(urls))
	rows := make([]storage.TrackedURL, 0, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		id := newShortcode()
		tracked = append(tracked, TrackedURL{ID: id, URL: u})
		rows = append(rows, storage.TrackedURL{ID: id, URL: u, DeliveryID: deliveryID})
	}

	if err := t.store.InsertURLs(ctx, rows); err != nil {
		t.log.Error("tracked url registration failed", logx.String("delivery", deliveryID), logx.Err(err))
		return nil
	}
	return tracked
}

// Correlate back-fills the broadlog reference on a registered URL row.
// Called once per tracked URL per send attempt; its failure is logged and
// never retried or escalated.
func (t *Tracker) Correlate(ctx context.Context, broadlogID int64, urlID string) {
	if err := t.store.SetURLBroadlog(ctx, urlID, broadlogID); err != nil {
		t.log.Warn("url correlation failed",
			logx.String("url_id", urlID), logx.Int64("broadlog_id", broadlogID), logx.Err(err))
	}
}

// RewriteLinks replaces every literal occurrence of each tracked URL with
// its redirect under base.
func RewriteLinks(content string, tracked []TrackedURL, base string) string {
	for _, u := range tracked {
		content = strings.ReplaceAll(content, u.URL, base+u.ID)
	}
	return content
}

func newShortcode() string {
	b := make([]byte, shortcodeLength/2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in real trouble; a
		// time-derived code keeps delivery alive.
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:shortcodeLength]
	}
	return hex.EncodeToString(b)
}
