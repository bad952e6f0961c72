package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"campaignbot/internal/pool"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type fakeClient struct {
	mu         sync.Mutex
	recipients map[string]*transport.Recipient
	lookups    map[string]int
	sendFail   map[string]bool
	sent       []sentMsg

	// sendEntered, when set, receives one signal per send attempt;
	// sendGate, when set, blocks every send until closed.
	sendEntered chan struct{}
	sendGate    chan struct{}
}

type sentMsg struct {
	to  string
	msg transport.Outgoing
}

func newFakeClient(recipients ...*transport.Recipient) *fakeClient {
	c := &fakeClient{
		recipients: map[string]*transport.Recipient{},
		lookups:    map[string]int{},
		sendFail:   map[string]bool{},
	}
	for _, r := range recipients {
		c.recipients[r.ID] = r
	}
	return c
}

func (c *fakeClient) Channel() string { return "fake" }

func (c *fakeClient) LookupRecipient(_ context.Context, id string) (*transport.Recipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[id]++
	r, ok := c.recipients[id]
	if !ok {
		return nil, errors.New("unknown recipient " + id)
	}
	return r, nil
}

func (c *fakeClient) SendDirectMessage(_ context.Context, to *transport.Recipient, msg transport.Outgoing) error {
	if c.sendEntered != nil {
		c.sendEntered <- struct{}{}
	}
	if c.sendGate != nil {
		<-c.sendGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendFail[to.ID] {
		return errors.New("send rejected")
	}
	c.sent = append(c.sent, sentMsg{to: to.ID, msg: msg})
	return nil
}

func (c *fakeClient) sentTo(id string) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, s := range c.sent {
		if s.to == id {
			out = append(out, s)
		}
	}
	return out
}

type memLogStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []storage.BroadlogEntry
}

func (m *memLogStore) AppendBroadlog(_ context.Context, e storage.BroadlogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.rows = append(m.rows, e)
	return e.ID, nil
}

func (m *memLogStore) all() []storage.BroadlogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.BroadlogEntry(nil), m.rows...)
}

func testParams(client transport.Client, targets []Target, msg Message) Params {
	return Params{
		Client:  client,
		Pool:    pool.New(5, 5*time.Millisecond, logx.Nop()),
		Log:     &memLogStore{},
		URLs:    newMemURLStore(),
		Targets: targets,
		Message: msg,
		Logger:  logx.Nop(),
	}
}

func TestNewValidatesRequiredInputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	msg := Message{Content: "hi", TargetMapping: TargetMapping{TargetName: "user"}}
	client := newFakeClient()

	if _, err := New(ctx, testParams(nil, []Target{}, msg)); !errors.Is(err, ErrNoClient) {
		t.Fatalf("err = %v, want ErrNoClient", err)
	}
	if _, err := New(ctx, testParams(client, nil, msg)); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
	if _, err := New(ctx, testParams(client, []Target{}, Message{})); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("err = %v, want ErrNoMessage", err)
	}
}

func TestDeliveryEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ann := &transport.Recipient{ID: "111", DisplayName: "Ann"}
	client := newFakeClient(ann)
	blog := &memLogStore{}

	p := testParams(client, []Target{{"111"}, {"111"}}, Message{
		Content:           "Hi {{{user.displayName}}}",
		CommunicationCode: "welcome",
		TargetMapping:     TargetMapping{TargetName: "user"},
	})
	p.Log = blog

	d, err := New(ctx, p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if got := len(d.Personalized()); got != 1 {
		t.Fatalf("personalized = %d, want 1 (duplicate target must collapse)", got)
	}

	res, err := d.Send(ctx, SendOptions{SkipDelay: true})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(res.Successful) != 1 || res.Successful[0] != "111" {
		t.Fatalf("successful = %v, want [111]", res.Successful)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("failed = %v, want empty", res.Failed)
	}

	sent := client.sentTo("111")
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want exactly 1", len(sent))
	}
	if sent[0].msg.Content != "Hi Ann" {
		t.Fatalf("content = %q, want %q", sent[0].msg.Content, "Hi Ann")
	}

	rows := blog.all()
	if len(rows) != 1 {
		t.Fatalf("broadlog rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.To != "111" || row.LastEvent != storage.EventSuccess || row.CommunicationCode != "welcome" {
		t.Fatalf("unexpected broadlog row: %+v", row)
	}
	if row.Channel != "fake" {
		t.Fatalf("channel = %q, want client channel", row.Channel)
	}
	if row.DeliveryID != d.ID() {
		t.Fatalf("delivery id mismatch: %q vs %q", row.DeliveryID, d.ID())
	}
}

func TestDeliveryDropsUnresolvedRecipients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient(&transport.Recipient{ID: "111", DisplayName: "Ann"})

	d, err := New(ctx, testParams(client, []Target{{"111"}, {"222"}}, Message{
		Content:       "Hi {{{user.displayName}}}",
		TargetMapping: TargetMapping{TargetName: "user"},
	}))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if got := len(d.Personalized()); got != 1 {
		t.Fatalf("personalized = %d, want 1", got)
	}
}

func TestDeliveryMappingMismatchIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient(&transport.Recipient{ID: "111"})

	msg := Message{Content: "hi {{x}}", TargetMapping: TargetMapping{TargetName: ""}}
	_, err := New(ctx, testParams(client, []Target{{"111"}}, msg))
	if !errors.Is(err, ErrInvalidTargetMapping) {
		t.Fatalf("err = %v, want ErrInvalidTargetMapping", err)
	}
}

func TestDeliveryTooLongSkipsOnlyThatRecipient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient(
		&transport.Recipient{ID: "111", DisplayName: "Ann"},
		&transport.Recipient{ID: "222", DisplayName: "Bob"},
	)

	p := testParams(client, []Target{{"111"}, {"222"}}, Message{
		Content:       "{{{targetData.body}}}",
		TargetMapping: TargetMapping{TargetName: "user"},
	})
	p.TargetData = TargetData{PerRecipient: []Record{
		{"id": "111", "body": strings.Repeat("x", MaxContentLength+1)},
		{"id": "222", "body": "short"},
	}}

	d, err := New(ctx, p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	pms := d.Personalized()
	if len(pms) != 1 || pms[0].Recipient.ID != "222" {
		t.Fatalf("expected only 222 to survive, got %+v", pms)
	}
}

func TestDeliverySendTwiceWritesTwoBroadlogSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient(&transport.Recipient{ID: "111", DisplayName: "Ann"})
	blog := &memLogStore{}

	p := testParams(client, []Target{{"111"}}, Message{
		Content:       "hello",
		TargetMapping: TargetMapping{TargetName: "user"},
	})
	p.Log = blog

	d, err := New(ctx, p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.Send(ctx, SendOptions{SkipDelay: true}); err != nil {
			t.Fatalf("Send %d error: %v", i+1, err)
		}
	}
	if got := len(blog.all()); got != 2 {
		t.Fatalf("broadlog rows = %d, want 2 (one per send call)", got)
	}
}

func TestDeliveryFailedSendLogsErrorAndCorrelates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient(&transport.Recipient{ID: "111", DisplayName: "Ann"})
	client.sendFail["111"] = true
	blog := &memLogStore{}
	urls := newMemURLStore()

	p := testParams(client, []Target{{"111"}}, Message{
		Content:       "click https://example.com/promo now",
		TargetMapping: TargetMapping{TargetName: "user"},
	})
	p.Log = blog
	p.URLs = urls

	d, err := New(ctx, p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	pms := d.Personalized()
	if len(pms) != 1 || len(pms[0].TrackedURLs) != 1 {
		t.Fatalf("expected one personalized message with one tracked url, got %+v", pms)
	}
	if !strings.Contains(pms[0].Content, DefaultRedirectBase) {
		t.Fatalf("content not rewritten: %q", pms[0].Content)
	}

	res, err := d.Send(ctx, SendOptions{SkipDelay: true})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "111" {
		t.Fatalf("failed = %v, want [111]", res.Failed)
	}

	rows := blog.all()
	if len(rows) != 1 || rows[0].LastEvent != storage.EventError {
		t.Fatalf("expected one error broadlog row, got %+v", rows)
	}

	// Correlation runs on the failure path too.
	urlID := pms[0].TrackedURLs[0].ID
	urls.mu.Lock()
	blID := urls.correlated[urlID]
	urls.mu.Unlock()
	if blID != rows[0].ID {
		t.Fatalf("url %s correlated to %d, want %d", urlID, blID, rows[0].ID)
	}
}

func TestDeliverySeedExpansion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ann := &transport.Recipient{ID: "111", DisplayName: "Ann"}
	seed := &transport.Recipient{ID: "900", DisplayName: "Watcher"}
	client := newFakeClient(ann, seed)
	blog := &memLogStore{}

	p := testParams(client, []Target{{"111"}}, Message{
		Content:       "Hi {{{user.displayName}}}",
		SeedList:      []Seed{{ID: "900"}},
		TargetMapping: TargetMapping{TargetName: "user"},
	})
	p.Log = blog

	d, err := New(ctx, p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	res, err := d.Send(ctx, SendOptions{SkipDelay: true})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(res.Successful) != 2 {
		t.Fatalf("successful = %v, want main + seed", res.Successful)
	}

	seedSent := client.sentTo("900")
	if len(seedSent) != 1 {
		t.Fatalf("seed sends = %d, want 1", len(seedSent))
	}
	if !strings.HasPrefix(seedSent[0].msg.Content, seedNotice) {
		t.Fatalf("seed copy must carry the disclosure prefix, got %q", seedSent[0].msg.Content)
	}
	if !strings.HasSuffix(seedSent[0].msg.Content, "Hi Ann") {
		t.Fatalf("seed copy must sample a personalized message, got %q", seedSent[0].msg.Content)
	}
	if got := len(blog.all()); got != 2 {
		t.Fatalf("broadlog rows = %d, want 2", got)
	}
}

func TestDeliverySendCancelledMidFlight(t *testing.T) {
	t.Parallel()
	client := newFakeClient(
		&transport.Recipient{ID: "111", DisplayName: "Ann"},
		&transport.Recipient{ID: "222", DisplayName: "Bob"},
	)
	client.sendEntered = make(chan struct{}, 2)
	client.sendGate = make(chan struct{})

	d, err := New(context.Background(), testParams(client, []Target{{"111"}, {"222"}}, Message{
		Content:       "hello",
		TargetMapping: TargetMapping{TargetName: "user"},
	}))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	type sendReturn struct {
		res Result
		err error
	}
	returned := make(chan sendReturn, 1)
	go func() {
		res, err := d.Send(sctx, SendOptions{SkipDelay: true})
		returned <- sendReturn{res, err}
	}()

	// Both sends are in flight and blocked; cancel while they are.
	<-client.sendEntered
	<-client.sendEntered
	cancel()

	got := <-returned
	if !errors.Is(got.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", got.err)
	}
	// The returned snapshot must stay stable while the blocked workers
	// finish and record their outcomes.
	before := len(got.res.Successful) + len(got.res.Failed)
	close(client.sendGate)

	deadline := time.After(2 * time.Second)
	for {
		client.mu.Lock()
		settled := len(client.sent)
		client.mu.Unlock()
		if settled == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("workers never finished after gate release")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	if after := len(got.res.Successful) + len(got.res.Failed); after != before {
		t.Fatalf("result mutated after return: %d -> %d", before, after)
	}
}

func TestDeliverySeedResolutionUsesSharedCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient(
		&transport.Recipient{ID: "111", DisplayName: "Ann"},
		&transport.Recipient{ID: "900", DisplayName: "Watcher"},
	)

	p := testParams(client, []Target{{"111"}}, Message{
		Content:       "hello",
		SeedList:      []Seed{{ID: "900"}},
		TargetMapping: TargetMapping{TargetName: "user"},
	})
	d, err := New(ctx, p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.Send(ctx, SendOptions{SkipDelay: true}); err != nil {
			t.Fatalf("Send %d error: %v", i+1, err)
		}
	}
	if n := client.lookups["900"]; n != 1 {
		t.Fatalf("seed lookups = %d, want 1 (repeat sends must hit the resolver cache)", n)
	}
}

func TestDeliveryEmptyPersonalizedSetSendsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeClient() // nobody resolvable

	d, err := New(ctx, testParams(client, []Target{{"111"}}, Message{
		Content:       "hi",
		TargetMapping: TargetMapping{TargetName: "user"},
	}))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	start := time.Now()
	res, err := d.Send(ctx, SendOptions{}) // no SkipDelay: must still return immediately
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(res.Successful) != 0 || len(res.Failed) != 0 {
		t.Fatalf("result = %+v, want empty", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("empty delivery must not wait the grace delay")
	}
}
