package delivery

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

func TestFindLinks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "markdown link with query",
			in:   `Click [here](https://example.com/x?y=1) now`,
			want: []string{"https://example.com/x?y=1"},
		},
		{
			name: "plain http",
			in:   "go to http://foo.bar/baz today",
			want: []string{"http://foo.bar/baz"},
		},
		{
			name: "multiple links",
			in:   "a https://one.test/a b https://two.test/b?q=1#f c",
			want: []string{"https://one.test/a", "https://two.test/b?q=1#f"},
		},
		{
			name: "stops at quotes and angle brackets",
			in:   `"https://q.test/x" and <https://a.test/y>`,
			want: []string{"https://q.test/x", "https://a.test/y"},
		},
		{
			name: "no links",
			in:   "nothing to see here",
			want: []string{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FindLinks(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("FindLinks(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

type memURLStore struct {
	mu         sync.Mutex
	rows       map[string]storage.TrackedURL
	correlated map[string]int64
	purged     int
	insertErr  error
	purgeErr   error
}

func newMemURLStore() *memURLStore {
	return &memURLStore{
		rows:       map[string]storage.TrackedURL{},
		correlated: map[string]int64{},
	}
}

func (m *memURLStore) InsertURLs(_ context.Context, urls []storage.TrackedURL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, u := range urls {
		m.rows[u.ID] = u
	}
	return nil
}

func (m *memURLStore) SetURLBroadlog(_ context.Context, urlID string, broadlogID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correlated[urlID] = broadlogID
	return nil
}

func (m *memURLStore) DeleteURLsBefore(_ context.Context, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	m.purged++
	return 0, nil
}

func TestTrackerRegisterAndRewrite(t *testing.T) {
	t.Parallel()
	store := newMemURLStore()
	tracker := NewTracker(store, logx.Nop())

	content := "First https://example.com/x?y=1 then again https://example.com/x?y=1 done"
	tracked := tracker.Register(context.Background(), "d1", FindLinks(content))
	if len(tracked) != 1 {
		t.Fatalf("expected 1 tracked url for duplicate literals, got %d", len(tracked))
	}
	if len(tracked[0].ID) != shortcodeLength {
		t.Fatalf("shortcode length = %d, want %d", len(tracked[0].ID), shortcodeLength)
	}
	if store.purged != 1 {
		t.Fatalf("purge should run before registration")
	}
	if row, ok := store.rows[tracked[0].ID]; !ok || row.DeliveryID != "d1" {
		t.Fatalf("row not persisted: %+v", store.rows)
	}

	rewritten := RewriteLinks(content, tracked, "https://links.test/r/")
	if strings.Contains(rewritten, "https://example.com/x?y=1") {
		t.Fatalf("literal url left behind: %q", rewritten)
	}
	want := "https://links.test/r/" + tracked[0].ID
	if strings.Count(rewritten, want) != 2 {
		t.Fatalf("every occurrence must be rewritten, got %q", rewritten)
	}
}

func TestTrackerPurgeFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	store := newMemURLStore()
	store.purgeErr = context.DeadlineExceeded
	tracker := NewTracker(store, logx.Nop())

	tracked := tracker.Register(context.Background(), "d1", []string{"https://a.test/x"})
	if len(tracked) != 1 {
		t.Fatalf("registration must survive purge failure, got %d tracked", len(tracked))
	}
}

func TestTrackerInsertFailureYieldsNoTracking(t *testing.T) {
	t.Parallel()
	store := newMemURLStore()
	store.insertErr = context.DeadlineExceeded
	tracker := NewTracker(store, logx.Nop())

	if tracked := tracker.Register(context.Background(), "d1", []string{"https://a.test/x"}); tracked != nil {
		t.Fatalf("expected nil tracked set on insert failure, got %v", tracked)
	}
}

func TestShortcodeUniqueness(t *testing.T) {
	t.Parallel()
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		c := newShortcode()
		if len(c) != shortcodeLength {
			t.Fatalf("len = %d", len(c))
		}
		if _, dup := seen[c]; dup {
			t.Fatalf("collision after %d codes", i)
		}
		seen[c] = struct{}{}
	}
}
