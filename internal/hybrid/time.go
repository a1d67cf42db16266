// ABOUTME: Temporal normalization to float64 Unix seconds
// ABOUTME: Accepts ISO-8601 strings, Unix numbers, and time.Time interchangeably

package hybrid

import (
	"time"

	"github.com/2389/coven-mesh/internal/fault"
)

// NormalizeTime converts any accepted timestamp representation to
// float64 Unix seconds UTC. Equal instants normalize to equal values
// regardless of input form. Nil and the empty string mean "unset" and
// normalize to zero.
func NormalizeTime(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case time.Time:
		if t.IsZero() {
			return 0, nil
		}
		return float64(t.UnixMilli()) / 1000.0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			"2006-01-02T15:04:05",
			"2006-01-02",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return float64(parsed.UnixMilli()) / 1000.0, nil
			}
		}
		return 0, fault.BadRequestf("timestamp %q is not ISO-8601", t)
	default:
		return 0, fault.BadRequestf("unsupported timestamp type %T", v)
	}
}
