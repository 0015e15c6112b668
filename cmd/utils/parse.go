package utils

import (
	"fmt"
	"time"
)

const TimeLayout = "2006-01-02 15:04:05"

// ParseStartEndTime parses an optional time range. Empty values stay zero.
func ParseStartEndTime(start, end string) (startTime, endTime time.Time, err error) {
	if startTime, err = ParseTime(start); err != nil {
		return
	}
	if endTime, err = ParseTime(end); err != nil {
		return
	}
	if !startTime.IsZero() && !endTime.IsZero() && !startTime.Before(endTime) {
		err = fmt.Errorf("start time(%s) must before end time(%s)", startTime, endTime)
	}
	return
}

// ParseTime accepts TimeLayout in UTC or RFC 3339.
func ParseTime(str string) (time.Time, error) {
	if str == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(TimeLayout, str, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q, want %q or RFC 3339", str, TimeLayout)
	}
	return t, nil
}
