// Package scheduler owns the registry of recurring campaign workflows and
// the one-minute tick that evaluates which are due.
//
// Matching is deliberately coarse: an anchor timestamp contributes only
// its weekday, hour, minute (and month, for monthly triggers). Ticks with
// nothing due are no-ops and expected to be the vast majority.
package scheduler
