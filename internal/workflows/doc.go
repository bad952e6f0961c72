// Package workflows bundles the campaign workflows shipped with the bot.
// Each one queries its target list from storage, builds a delivery, and
// sends; scheduling and error isolation belong to the scheduler.
package workflows
