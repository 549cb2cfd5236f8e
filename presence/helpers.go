package presence

import "fmt"

// ShortName is the placeholder display name for an unnamed sender: the
// first eight characters of its id followed by "...".
func ShortName(id string) string {
	r := []rune(id)
	if len(r) > shortIDLen {
		r = r[:shortIDLen]
	}
	return string(r) + "..."
}

// LastSeenLabel formats the time between lastSeen and now (both epoch ms):
// "Now" under a minute, then whole minutes ("5m ago") under an hour, then
// whole hours ("3h ago").
func LastSeenLabel(now, lastSeen int64) string {
	d := now - lastSeen
	switch {
	case d < 60_000:
		return "Now"
	case d < 3_600_000:
		return fmt.Sprintf("%dm ago", d/60_000)
	default:
		return fmt.Sprintf("%dh ago", d/3_600_000)
	}
}
