package fluentd

import (
	"math"
	"strconv"
	"time"

	"github.com/spf13/cast"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func (c *Converter) eventTime(data map[string]any) (time.Time, bool) {
	if c.time.EventField == "" {
		return time.Time{}, false
	}
	v, ok := lookupPath(data, c.time.EventField)
	if !ok {
		return time.Time{}, false
	}
	return parseEventTime(v, c.time.EventFieldUnit)
}

// parseEventTime accepts time values, RFC 3339 strings and epoch numbers
// in the given unit.
func parseEventTime(v any, unit TimeUnit) (time.Time, bool) {
	switch x := v.(type) {
	case nil, bool:
		return time.Time{}, false
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil || x.IsZero() {
			return time.Time{}, false
		}
		return *x, true
	case *timestamppb.Timestamp:
		if x == nil || x.CheckValid() != nil {
			return time.Time{}, false
		}
		return x.AsTime(), true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, !t.IsZero()
		}
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return fromEpochInt(n, unit), true
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return fromEpochFloat(f, unit)
		}
		return time.Time{}, false
	case number:
		if n, err := x.Int64(); err == nil {
			return fromEpochInt(n, unit), true
		}
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpochFloat(f, unit)
	case float32, float64:
		return fromEpochFloat(cast.ToFloat64(x), unit)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, err := cast.ToInt64E(x)
		if err != nil {
			return time.Time{}, false
		}
		return fromEpochInt(n, unit), true
	}
	return time.Time{}, false
}

func fromEpochInt(n int64, unit TimeUnit) time.Time {
	if unit == Millis {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func fromEpochFloat(f float64, unit TimeUnit) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if unit == Millis {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
