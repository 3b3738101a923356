// Package backoff detects provider rate limits in worker output and
// paces relaunches after rate limits and transient failures.
package backoff

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Hint carries a provider-supplied retry delay parsed from a worker
// output line.
type Hint struct {
	Delay   time.Duration
	ResetAt time.Time
	Raw     string
}

// Rate limit phrasing varies by provider. Matching is case-insensitive
// and the set is closed: a line is rate-limit output only if one of
// these patterns matches.
var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate[ _-]?limit`),
	regexp.MustCompile(`(?i)hit your limit`),
	regexp.MustCompile(`(?i)quota (exhausted|exceeded)`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)try again in`),
}

// IsRateLimit reports whether a worker output line indicates a provider
// rate limit.
func IsRateLimit(line string) bool {
	for _, p := range rateLimitPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

var (
	// "retry after 30 seconds", "Retry after 2 minutes"
	retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+) (second|minute)s?`)

	// "try again in 45s", "try again in 3 minutes"
	tryAgainRe = regexp.MustCompile(`(?i)try again in (\d+) ?(seconds?|secs?|s\b|minutes?|mins?|m\b)`)

	// Reset clock variations, matched in order:
	//   "resets 6am (Europe/Podgorica)"  - hour only
	//   "resets 2:30pm (UTC)"            - hour:minute with am/pm
	//   "resets at 14:30 (UTC)"          - 24-hour format
	resetClockPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2})(am|pm)\s+\(([^)]+)\)`),
		regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2}):(\d{2})(am|pm)\s+\(([^)]+)\)`),
		regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2}):(\d{2})\s+\(([^)]+)\)`),
	}
)

const (
	minHintDelay = time.Second
	maxHintDelay = 24 * time.Hour
)

// ParseHint extracts a retry-after delay from a rate-limit line. The
// returned delay is clamped to [1s, 24h]; a reset clock already in the
// past rolls forward to the next day. Returns false when the line
// carries no usable hint, in which case the caller falls back to the
// computed exponential delay.
func ParseHint(line string, now time.Time) (*Hint, bool) {
	if m := retryAfterRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		d := time.Duration(n) * time.Second
		if strings.HasPrefix(strings.ToLower(m[2]), "minute") {
			d = time.Duration(n) * time.Minute
		}
		d = clampDelay(d)
		return &Hint{Delay: d, ResetAt: now.Add(d), Raw: line}, true
	}

	if m := tryAgainRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		d := time.Duration(n) * time.Second
		if strings.HasPrefix(strings.ToLower(m[2]), "m") {
			d = time.Duration(n) * time.Minute
		}
		d = clampDelay(d)
		return &Hint{Delay: d, ResetAt: now.Add(d), Raw: line}, true
	}

	for i, pattern := range resetClockPatterns {
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		var hour, minute int
		var ampm, tz string

		switch i {
		case 0: // hour only with am/pm
			hour, _ = strconv.Atoi(m[1])
			ampm = strings.ToLower(m[2])
			tz = m[3]
		case 1: // hour:minute with am/pm
			hour, _ = strconv.Atoi(m[1])
			minute, _ = strconv.Atoi(m[2])
			ampm = strings.ToLower(m[3])
			tz = m[4]
		case 2: // 24-hour format
			hour, _ = strconv.Atoi(m[1])
			minute, _ = strconv.Atoi(m[2])
			tz = m[3]
		}

		// Convert 12-hour to 24-hour if needed
		if ampm == "pm" && hour != 12 {
			hour += 12
		} else if ampm == "am" && hour == 12 {
			hour = 0
		}

		loc, err := time.LoadLocation(tz)
		if err != nil {
			loc = time.Local
		}

		local := now.In(loc)
		resetAt := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if resetAt.Before(local) {
			resetAt = resetAt.Add(24 * time.Hour)
		}

		return &Hint{
			Delay:   clampDelay(resetAt.Sub(now)),
			ResetAt: resetAt,
			Raw:     line,
		}, true
	}

	return nil, false
}

func clampDelay(d time.Duration) time.Duration {
	if d < minHintDelay {
		return minHintDelay
	}
	if d > maxHintDelay {
		return maxHintDelay
	}
	return d
}
