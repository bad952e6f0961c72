// Package delivery implements the campaign delivery engine: target
// deduplication, recipient resolution with a process-scoped cache,
// per-recipient template rendering, tracked-link rewriting, and the
// two-phase personalize-then-send pipeline with per-attempt broadlog rows.
//
// A Delivery moves through constructed -> personalized (eager, in New) ->
// sent (explicit Send call). Per-recipient failures are isolated; only
// missing required inputs and mapping/template contract violations are
// fatal to the delivery itself.
package delivery
