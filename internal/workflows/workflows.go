package workflows

import (
	"time"

	"campaignbot/internal/delivery"
	"campaignbot/internal/pool"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

// Deps is the shared wiring every bundled workflow builds deliveries from.
type Deps struct {
	Client   transport.Client
	Store    *storage.Store
	Pool     *pool.Pool
	Resolver *delivery.Resolver
	Logger   logx.Logger

	SendDelay    time.Duration
	RedirectBase string
	SeedList     []string
}

func (d Deps) seeds() []delivery.Seed {
	if len(d.SeedList) == 0 {
		return nil
	}
	out := make([]delivery.Seed, 0, len(d.SeedList))
	for _, id := range d.SeedList {
		out = append(out, delivery.Seed{ID: id})
	}
	return out
}

func (d Deps) params(msg delivery.Message, targets []delivery.Target, data delivery.TargetData) delivery.Params {
	return delivery.Params{
		Client:       d.Client,
		Pool:         d.Pool,
		Log:          d.Store,
		URLs:         d.Store,
		Resolver:     d.Resolver,
		Targets:      targets,
		TargetData:   data,
		Message:      msg,
		SendDelay:    d.SendDelay,
		RedirectBase: d.RedirectBase,
		Logger:       d.Logger,
	}
}
