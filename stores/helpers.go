package stores

import (
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanTime converts the driver-dependent representations of timestamp
// columns (sqlite returns strings, others time.Time).
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}
