package pull

import (
	"math"
	"strconv"
	"strings"
)

// ParsePercent extracts a completion percentage from a Docker pull progress
// string. It accepts either a direct "NN%" token or a "current/total" size
// ratio such as "12.3MB/45.6MB". The result is rounded and clamped to
// [0, 100]. The second return is false when no percentage can be derived.
func ParsePercent(raw string) (int, bool) {
	for _, tok := range strings.Fields(raw) {
		if strings.HasSuffix(tok, "%") {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(tok, "%"), 64); err == nil {
				return clampPercent(v), true
			}
			continue
		}
		if i := strings.IndexByte(tok, '/'); i > 0 && i < len(tok)-1 {
			cur, ok1 := parseSize(tok[:i])
			total, ok2 := parseSize(tok[i+1:])
			if ok1 && ok2 && total > 0 {
				return clampPercent(cur / total * 100), true
			}
		}
	}
	return 0, false
}

// parseSize parses a decimal size like "12.3MB". Units are decimal:
// B, kB (1e3), MB (1e6), GB (1e9).
func parseSize(s string) (float64, bool) {
	unit := 1.0
	switch {
	case strings.HasSuffix(s, "GB"):
		unit, s = 1e9, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		unit, s = 1e6, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "kB"), strings.HasSuffix(s, "KB"):
		unit, s = 1e3, s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v * unit, true
}

func clampPercent(v float64) int {
	p := int(math.Round(v))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
