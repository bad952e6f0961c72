package workflows

import (
	"context"
	"time"

	"campaignbot/internal/config"
	"campaignbot/internal/delivery"
	"campaignbot/internal/scheduler"
	logx "campaignbot/pkg/logx"
)

const (
	comebackCode          = "comeback"
	defaultComebackWindow = 21 * 24 * time.Hour // 3 weeks
)

const comebackTemplate = `Hey {{{member.displayName}}}!
It has been a while since {{#targetData.name}}{{{targetData.name}}}{{/targetData.name}}{{^targetData.name}}you{{/targetData.name}} last showed up for a raid night. The roster misses you.
Upcoming runs and signups: https://campaignbot.dev/raids`

// Comeback nudges members who have been inactive beyond the window and
// have never received this communication before. The already-notified
// filter lives in the storage query, so re-running the workflow is
// idempotent at the data level.
func Comeback(deps Deps, cfg config.WorkflowConfig) scheduler.Workflow {
	trigger, err := scheduler.ParseTrigger(cfg.Trigger)
	if err != nil {
		deps.Logger.Warn("comeback: bad trigger, using daily", logx.Err(err))
		trigger = scheduler.TriggerDaily
	}
	window, err := config.ParseDurationOrDefault("workflows.comeback.window", cfg.Window, defaultComebackWindow)
	if err != nil {
		deps.Logger.Warn("comeback: bad window, using default", logx.Err(err))
		window = defaultComebackWindow
	}

	return scheduler.Workflow{
		Name:     "Been a Long Time",
		Trigger:  trigger,
		At:       cfg.Time,
		StartNow: cfg.StartNow,
		Run: func(ctx context.Context) error {
			members, err := deps.Store.InactiveMembers(ctx, time.Now().Add(-window), comebackCode)
			if err != nil {
				return err
			}
			if len(members) == 0 {
				return nil
			}

			targets := make([]delivery.Target, 0, len(members))
			records := make([]delivery.Record, 0, len(members))
			for _, m := range members {
				targets = append(targets, delivery.Target{RecipientID: m.RecipientID})
				records = append(records, delivery.Record{
					"id":   m.RecipientID,
					"name": m.Name,
				})
			}

			mapping := delivery.TargetMapping{TargetName: "member", Identifier: "id"}
			d, err := delivery.New(ctx, deps.params(
				delivery.Message{
					Content:           comebackTemplate,
					SeedList:          deps.seeds(),
					CommunicationCode: comebackCode,
					TargetMapping:     mapping,
				},
				targets,
				delivery.TargetData{PerRecipient: records},
			))
			if err != nil {
				return err
			}
			_, err = d.Send(ctx, delivery.SendOptions{})
			return err
		},
	}
}
