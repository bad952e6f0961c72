package delivery

import (
	"context"
	"sync"

	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

// Resolver maps recipient IDs to live recipients through the chat client,
// with a cache scoped to the Resolver instance (the app owns one for the
// process lifetime).
//
// The cache is monotonic: a successful resolution is never invalidated or
// re-fetched. Failures are NOT cached, so a permanently unreachable
// recipient is re-attempted by every delivery that targets it; a later
// retry may succeed. Concurrent lookups of the same uncached ID may hit
// the client more than once; lookups are idempotent so that is fine.
type Resolver struct {
	client transport.Client
	log    logx.Logger

	mu    sync.Mutex
	cache map[string]*transport.Recipient
}

func NewResolver(client transport.Client, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		client: client,
		log:    log,
		cache:  make(map[string]*transport.Recipient),
	}
}

func (r *Resolver) Resolve(ctx context.Context, id string) (*transport.Recipient, error) {
	r.mu.Lock()
	if rec, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return rec, nil
	}
	r.mu.Unlock()

	rec, err := r.client.LookupRecipient(ctx, id)
	if err != nil {
		r.log.Debug("recipient lookup failed", logx.String("id", id), logx.Err(err))
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = rec
	r.mu.Unlock()
	return rec, nil
}

// CacheSize reports the number of resolved recipients held.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
