// Package foreign provides the external functions that modeled programs call
// as primitives. Functions not bound to a particular state machine live in the
// GlobalFunctions registry and are resolved by name.
package foreign

import "time"

const (
	// NanosecondsPerTick is the length of one tick.
	NanosecondsPerTick = 100

	// TicksPerSecond is the number of ticks in one second.
	TicksPerSecond = int64(time.Second / NanosecondsPerTick)

	// UnixEpochTicks is the tick count at 1970-01-01T00:00:00Z.
	UnixEpochTicks int64 = 621355968000000000

	// secondsToUnixEpoch is the number of seconds between 0001-01-01 and 1970-01-01.
	secondsToUnixEpoch int64 = 62135596800
)

// Machine is the opaque handle of the state machine invoking an external
// function. It is passed through unchanged and is never inspected.
type Machine any

// GetTimestamp returns the current UTC wall-clock time as the number of
// 100-nanosecond ticks elapsed since 0001-01-01T00:00:00Z.
//
// The value is only as monotonic as the host clock. Callers that need
// reproducible values must replace the function in the registry.
func GetTimestamp(_ Machine) int64 {
	return ToTicks(time.Now())
}

// ToTicks converts t to ticks since 0001-01-01T00:00:00Z.
func ToTicks(t time.Time) int64 {
	t = t.UTC()
	return (t.Unix()+secondsToUnixEpoch)*TicksPerSecond + int64(t.Nanosecond())/NanosecondsPerTick
}

// FromTicks converts ticks since 0001-01-01T00:00:00Z to a UTC time.
func FromTicks(ticks int64) time.Time {
	seconds := ticks/TicksPerSecond - secondsToUnixEpoch
	remainder := ticks % TicksPerSecond
	if remainder < 0 {
		remainder += TicksPerSecond
		seconds--
	}
	return time.Unix(seconds, remainder*NanosecondsPerTick).UTC()
}

// UnixMilli converts ticks to milliseconds since the POSIX epoch, rounding
// down like time.Time.UnixMilli does for instants before 1970.
func UnixMilli(ticks int64) int64 {
	const perMilli = TicksPerSecond / 1000
	d := ticks - UnixEpochTicks
	ms := d / perMilli
	if d%perMilli < 0 {
		ms--
	}
	return ms
}
