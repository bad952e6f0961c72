package delivery

import "regexp"

var validRecipientID = regexp.MustCompile(`^[0-9]+$`)

// DeduplicateTargets drops targets with non-numeric recipient IDs and
// collapses duplicates, first occurrence wins, order preserved.
// Nil or empty input yields an empty, non-nil slice.
func DeduplicateTargets(targets []Target) []Target {
	out := make([]Target, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if !validRecipientID.MatchString(t.RecipientID) {
			continue
		}
		if _, dup := seen[t.RecipientID]; dup {
			continue
		}
		seen[t.RecipientID] = struct{}{}
		out = append(out, t)
	}
	return out
}
