package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"campaignbot/internal/pool"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

const (
	// DefaultSendDelay is the grace window before the send phase starts,
	// giving operators a chance to abort before irrevocable sends.
	DefaultSendDelay = 5 * time.Second

	DefaultRedirectBase = "https://links.campaignbot.dev/r/"

	// seedNotice discloses to seed recipients that they received a sample.
	seedNotice = "[seed] Sample copy of a live campaign message:\n\n"
)

// Params carries everything a delivery needs. Client, Targets and the
// message content are required; missing ones fail construction.
type Params struct {
	Client   transport.Client
	Pool     *pool.Pool
	Log      LogStore
	URLs     URLStore
	Resolver *Resolver

	Targets    []Target
	TargetData TargetData
	Message    Message

	SendDelay    time.Duration // 0 means DefaultSendDelay
	RedirectBase string        // "" means DefaultRedirectBase
	Logger       logx.Logger
}

// Delivery is one personalize-then-send batch operation.
//
// Personalization runs once, eagerly, in New. Send may be invoked
// explicitly afterwards; invoking it twice sends twice and writes two
// independent broadlog sets — deliveries carry no cross-call dedup.
type Delivery struct {
	id       string
	client   transport.Client
	pool     *pool.Pool
	blog     LogStore
	tracker  *Tracker
	resolver *Resolver
	msg      Message
	log      logx.Logger

	sendDelay    time.Duration
	redirectBase string
	channel      string

	personalized []PersonalizedMessage
}

// SendOptions controls one Send invocation.
type SendOptions struct {
	// SkipDelay drops the grace delay before sending.
	SkipDelay bool
}

func New(ctx context.Context, p Params) (*Delivery, error) {
	if p.Client == nil {
		return nil, ErrNoClient
	}
	if p.Targets == nil {
		return nil, ErrNoTargets
	}
	if p.Message.Content == "" {
		return nil, ErrNoMessage
	}
	if p.Pool == nil {
		return nil, errors.New("delivery: pool is required")
	}
	if p.Log == nil || p.URLs == nil {
		return nil, errors.New("delivery: persistence stores are required")
	}
	if p.Resolver == nil {
		p.Resolver = NewResolver(p.Client, p.Logger)
	}
	if p.Logger.IsZero() {
		p.Logger = logx.Nop()
	}

	d := &Delivery{
		id:           uuid.NewString(),
		client:       p.Client,
		pool:         p.Pool,
		blog:         p.Log,
		tracker:      NewTracker(p.URLs, p.Logger),
		resolver:     p.Resolver,
		msg:          p.Message,
		log:          p.Logger.With(logx.String("delivery", p.Message.CommunicationCode)),
		sendDelay:    p.SendDelay,
		redirectBase: p.RedirectBase,
		channel:      p.Client.Channel(),
	}
	if d.sendDelay <= 0 {
		d.sendDelay = DefaultSendDelay
	}
	if d.redirectBase == "" {
		d.redirectBase = DefaultRedirectBase
	}
	if d.channel == "" {
		d.channel = "chat"
	}
	d.msg.Content = NormalizeContent(d.msg.Content)

	if err := d.personalize(ctx, p.Resolver, p.Targets, p.TargetData); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the delivery's unique identifier (broadlog/url correlation key).
func (d *Delivery) ID() string { return d.id }

// Personalized returns the messages produced at construction time.
func (d *Delivery) Personalized() []PersonalizedMessage { return d.personalized }

func (d *Delivery) personalize(ctx context.Context, resolver *Resolver, targets []Target, data TargetData) error {
	start := time.Now()
	unique := DeduplicateTargets(targets)

	// Resolution fans out through the pool so external lookups stay within
	// the concurrency bound.
	recipients := make([]*transport.Recipient, len(unique))
	futs := make([]*pool.Future, len(unique))
	for i, t := range unique {
		i, id := i, t.RecipientID
		futs[i] = d.pool.Submit(func() error {
			rec, err := resolver.Resolve(ctx, id)
			if err != nil {
				return err
			}
			recipients[i] = rec
			return nil
		})
	}
	for i, fut := range futs {
		if err := fut.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Unresolvable recipient: dropped, not fatal.
			d.log.Debug("target dropped, recipient unresolved", logx.String("id", unique[i].RecipientID), logx.Err(err))
		}
	}

	mapping := d.msg.TargetMapping
	for _, rec := range recipients {
		if rec == nil {
			continue
		}
		content, err := Personalize(d.msg, rec, data, mapping)
		if err != nil {
			if isContractError(err) {
				return err
			}
			d.log.Warn("recipient skipped, render failed", logx.String("id", rec.ID), logx.Err(err))
			continue
		}

		tracked := d.tracker.Register(ctx, d.id, FindLinks(content))
		if len(tracked) > 0 {
			content = RewriteLinks(content, tracked, d.redirectBase)
		}

		d.personalized = append(d.personalized, PersonalizedMessage{
			Recipient:         rec,
			Content:           content,
			Embeds:            d.msg.Embeds,
			TrackedURLs:       tracked,
			CommunicationCode: d.msg.CommunicationCode,
		})
	}

	d.log.Info("personalization finished",
		logx.Int("targets", len(targets)),
		logx.Int("unique", len(unique)),
		logx.Int("personalized", len(d.personalized)),
		logx.Duration("dur", time.Since(start)))
	return nil
}

// isContractError reports whether a render failure is a delivery-wide
// configuration problem rather than a per-recipient one.
func isContractError(err error) bool {
	return errors.Is(err, ErrInvalidTargetMapping) ||
		errors.Is(err, ErrEmptyTemplate) ||
		errors.Is(err, ErrMappingMismatch)
}

// Send delivers every personalized (and seed) message through the pool.
// Each attempt writes exactly one broadlog row and then correlates the
// message's tracked URLs, on the success and failure paths alike.
func (d *Delivery) Send(ctx context.Context, opts SendOptions) (Result, error) {
	result := Result{Successful: []string{}, Failed: []string{}}
	if len(d.personalized) == 0 {
		return result, nil
	}

	if !opts.SkipDelay {
		timer := time.NewTimer(d.sendDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	outgoing := append([]PersonalizedMessage(nil), d.personalized...)
	outgoing = append(outgoing, d.expandSeeds(ctx)...)

	start := time.Now()
	var mu sync.Mutex
	futs := make([]*pool.Future, len(outgoing))
	for i, pm := range outgoing {
		pm := pm
		futs[i] = d.pool.Submit(func() error {
			err := d.sendOne(ctx, pm)
			mu.Lock()
			if err != nil {
				result.Failed = append(result.Failed, pm.Recipient.ID)
			} else {
				result.Successful = append(result.Successful, pm.Recipient.ID)
			}
			mu.Unlock()
			return err
		})
	}
	for _, fut := range futs {
		select {
		case <-fut.Done():
		case <-ctx.Done():
			// In-flight workers keep appending to result after we return;
			// hand the caller a snapshot taken under the lock.
			mu.Lock()
			partial := Result{
				Successful: append([]string(nil), result.Successful...),
				Failed:     append([]string(nil), result.Failed...),
			}
			mu.Unlock()
			return partial, ctx.Err()
		}
	}

	d.log.Info("delivery finished",
		logx.Int("sent", len(result.Successful)),
		logx.Int("failed", len(result.Failed)),
		logx.Duration("dur", time.Since(start)))
	return result, nil
}

// sendOne performs one attempt: DM, broadlog row, URL correlation. The
// broadlog write happens for both outcomes, and a failed write never rolls
// back or retries the send it describes.
func (d *Delivery) sendOne(ctx context.Context, pm PersonalizedMessage) error {
	sendErr := d.client.SendDirectMessage(ctx, pm.Recipient, transport.Outgoing{
		Content: pm.Content,
		Embeds:  pm.Embeds,
	})

	event := storage.EventSuccess
	if sendErr != nil {
		event = storage.EventError
		d.log.Warn("send failed", logx.String("to", pm.Recipient.ID), logx.Err(sendErr))
	}

	blID, logErr := d.blog.AppendBroadlog(ctx, storage.BroadlogEntry{
		DeliveryID:        d.id,
		Text:              pm.Content,
		To:                pm.Recipient.ID,
		LastEvent:         event,
		Channel:           d.channel,
		CommunicationCode: pm.CommunicationCode,
	})
	if logErr != nil {
		d.log.Error("broadlog write failed", logx.String("to", pm.Recipient.ID), logx.Err(logErr))
		return sendErr
	}
	for _, u := range pm.TrackedURLs {
		d.tracker.Correlate(ctx, blID, u.ID)
	}
	return sendErr
}

// expandSeeds resolves the message's seed list (bare identifiers go through
// the shared resolver cache) and attaches to each seed a copy of a uniformly
// random personalized message, prefixed with the seed notice. Seeds are
// appended to the send set, never deduplicated against it.
func (d *Delivery) expandSeeds(ctx context.Context) []PersonalizedMessage {
	if len(d.msg.SeedList) == 0 {
		return nil
	}
	out := make([]PersonalizedMessage, 0, len(d.msg.SeedList))
	for _, seed := range d.msg.SeedList {
		rec := seed.Recipient
		if rec == nil {
			if !validRecipientID.MatchString(seed.ID) {
				d.log.Warn("seed skipped, invalid id", logx.String("id", seed.ID))
				continue
			}
			var err error
			rec, err = d.resolver.Resolve(ctx, seed.ID)
			if err != nil {
				d.log.Warn("seed skipped, lookup failed", logx.String("id", seed.ID), logx.Err(err))
				continue
			}
		}
		sample := d.personalized[rand.IntN(len(d.personalized))]
		out = append(out, PersonalizedMessage{
			Recipient:         rec,
			Content:           seedNotice + sample.Content,
			Embeds:            sample.Embeds,
			TrackedURLs:       sample.TrackedURLs,
			CommunicationCode: sample.CommunicationCode,
		})
	}
	return out
}
