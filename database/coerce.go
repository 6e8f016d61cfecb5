package database

import (
	"strings"
	"time"

	"github.com/simplereach/timeutils"
)

// TimeFormat is the wire format of time values. Times are always written in UTC.
const TimeFormat = "2006/01/02 15:04:05 -0700"

var timeSuffixes = []string{"_at", "_on", "_date"}

func isTimeProperty(name string) bool {
	for _, suffix := range timeSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// coerceValue converts string values of *_at, *_on and *_date properties to time.Time.
// Values that don't parse are kept as they are.
func coerceValue(name string, value any) any {
	if !isTimeProperty(name) {
		return value
	}

	switch v := value.(type) {
	case string:
		if t, ok := parseTime(v); ok {
			return t
		}
	case *string:
		if v != nil {
			if t, ok := parseTime(*v); ok {
				return t
			}
		}
	case time.Time:
		return v.UTC()
	case *time.Time:
		if v != nil {
			return v.UTC()
		}
	}
	return value
}

func parseTime(s string) (time.Time, bool) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	t, err := timeutils.ParseDateString(s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// encodeValue returns the JSON friendly form of a property value.
func encodeValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(TimeFormat)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(TimeFormat)
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return value
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
