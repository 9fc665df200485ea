package extract

import "strings"

// Range delimiters, tried in order.
var rangeDelims = []string{"-", "～"}

// ParseRange splits "18:00-22:00" or "18:00～22:00" into its two trimmed parts.
// Anything else (empty text, no delimiter, more than two parts, an empty side)
// yields defStart and defEnd. It never fails.
func ParseRange(text, defStart, defEnd string) (string, string) {
	for _, d := range rangeDelims {
		if !strings.Contains(text, d) {
			continue
		}
		parts := strings.Split(text, d)
		if len(parts) != 2 {
			continue
		}
		start, end := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if start != "" && end != "" {
			return start, end
		}
	}
	return defStart, defEnd
}
