package gofat

import (
	"time"
)

// ParseDate decodes a directory entry date stamp, a date relative to the MS-DOS epoch 1980-01-01:
//  Bits 0-4:  day of month, 1-31
//  Bits 5-8:  month of year, 1-12
//  Bits 9-15: count of years from 1980, 0-127 (1980-2107)
// The result always has a time of 00:00:00 UTC.
//
// Day or month 0 is invalid, time.Time{} is returned for it so time.Time.IsZero() can be used.
// A month bigger than 12 rolls over into the next year.
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime decodes a directory entry time stamp which has a granularity of 2 seconds:
//  Bits 0-4:   2-second count, 0-29 (0-58 seconds)
//  Bits 5-10:  minutes, 0-59
//  Bits 11-15: hours, 0-23
// The result is on January 1, year 1, so midnight is time.Time.IsZero().
// Out of range fields are added up but the result is limited to 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)
	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

// fatEpoch and fatEnd limit the timestamps which can be stored in a directory entry.
var (
	fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	fatEnd   = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
)

// clampFATTime converts t to UTC, the zone all timestamps are stored and parsed in, and limits it
// to the range a directory entry can hold.
func clampFATTime(t time.Time) time.Time {
	t = t.UTC()
	if t.Before(fatEpoch) {
		return fatEpoch
	}
	if t.After(fatEnd) {
		return fatEnd
	}
	return t
}

// EncodeDate is the reverse of ParseDate. t is stored as UTC, dates outside of 1980-2107 are clamped.
func EncodeDate(t time.Time) uint16 {
	t = clampFATTime(t)
	return uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// EncodeTime is the reverse of ParseTime. Odd seconds are rounded down.
func EncodeTime(t time.Time) uint16 {
	t = clampFATTime(t)
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

// encodeTenth returns the creation time refinement in units of 10ms (0-199).
func encodeTenth(t time.Time) byte {
	t = clampFATTime(t)
	return byte(t.Second()%2*100 + t.Nanosecond()/10000000)
}

// combineDateTime merges the date and time fields of an entry. Invalid dates give time.Time{}.
func combineDateTime(date, clock uint16, tenth byte) time.Time {
	d := ParseDate(date)
	if d.IsZero() {
		return time.Time{}
	}
	c := ParseTime(clock)
	ms := time.Duration(tenth) * 10 * time.Millisecond
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC).Add(ms)
}
