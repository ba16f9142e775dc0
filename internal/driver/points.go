package driver

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxPoints bounds plausible quota readings; larger numbers are page noise.
const MaxPoints = 10000

var pointsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)剩余积分[：:]\s*(\d+)`),
	regexp.MustCompile(`(?i)积分[：:]\s*(\d+)`),
	regexp.MustCompile(`(?i)余额[：:]\s*(\d+)`),
	regexp.MustCompile(`(?i)remaining\s+points[：:]\s*(\d+)`),
	regexp.MustCompile(`(?i)points[：:]\s*(\d+)`),
	regexp.MustCompile(`(?i)balance[：:]\s*(\d+)`),
	regexp.MustCompile(`(\d+)\s*积分`),
	regexp.MustCompile(`(?i)(\d+)\s*points`),
}

// ParsePoints extracts a remaining-credit count from element or page text.
func ParsePoints(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(text); err == nil {
		return n, n >= 0 && n <= MaxPoints
	}
	for _, re := range pointsPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n > MaxPoints {
			continue
		}
		return n, true
	}
	return 0, false
}

// ContainsAny reports whether text contains one of the indicators, ignoring case.
func ContainsAny(text string, indicators []string) bool {
	lower := strings.ToLower(text)
	for _, ind := range indicators {
		if ind != "" && strings.Contains(lower, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}
