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
	raidReminderCode          = "raidReminder"
	defaultRaidReminderWindow = 48 * time.Hour
)

const raidReminderTemplate = `{{{member.displayName}}}, you are signed up for {{{targetData.raid}}} starting {{{targetData.startsAt}}}.
Double-check your consumables and be online 15 minutes early.`

// RaidReminder reminds signed-up members of events starting inside the
// lookahead window, at most once per member per communication code.
func RaidReminder(deps Deps, cfg config.WorkflowConfig) scheduler.Workflow {
	trigger, err := scheduler.ParseTrigger(cfg.Trigger)
	if err != nil {
		deps.Logger.Warn("raid reminder: bad trigger, using weekly", logx.Err(err))
		trigger = scheduler.TriggerWeekly
	}
	window, err := config.ParseDurationOrDefault("workflows.raid_reminder.window", cfg.Window, defaultRaidReminderWindow)
	if err != nil {
		deps.Logger.Warn("raid reminder: bad window, using default", logx.Err(err))
		window = defaultRaidReminderWindow
	}

	return scheduler.Workflow{
		Name:     "Raid Reminder",
		Trigger:  trigger,
		At:       cfg.Time,
		StartNow: cfg.StartNow,
		Run: func(ctx context.Context) error {
			now := time.Now()
			signups, err := deps.Store.UpcomingSignups(ctx, now, now.Add(window), raidReminderCode)
			if err != nil {
				return err
			}
			if len(signups) == 0 {
				return nil
			}

			targets := make([]delivery.Target, 0, len(signups))
			records := make([]delivery.Record, 0, len(signups))
			for _, sg := range signups {
				targets = append(targets, delivery.Target{RecipientID: sg.RecipientID})
				records = append(records, delivery.Record{
					"id":       sg.RecipientID,
					"raid":     sg.RaidName,
					"startsAt": sg.StartsAt.Local().Format("Mon 15:04"),
				})
			}

			mapping := delivery.TargetMapping{TargetName: "member", Identifier: "id"}
			d, err := delivery.New(ctx, deps.params(
				delivery.Message{
					Content:           raidReminderTemplate,
					SeedList:          deps.seeds(),
					CommunicationCode: raidReminderCode,
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
