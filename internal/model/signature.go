package model

import "strings"

// LoopSignature derives a canonical key for a loop from its steps. The
// same cycle discovered from a different starting wallet rotates to the
// same signature, so the registry recognizes it as one entity.
func LoopSignature(steps []TradeStep) string {
	if len(steps) == 0 {
		return ""
	}

	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.From + "=" + s.ItemID
	}

	// Rotate so the lexicographically smallest element leads.
	best := 0
	for i := 1; i < len(parts); i++ {
		if parts[i] < parts[best] {
			best = i
		}
	}

	var b strings.Builder
	for i := 0; i < len(parts); i++ {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(parts[(best+i)%len(parts)])
	}
	return b.String()
}
