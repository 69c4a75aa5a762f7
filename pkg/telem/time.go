package telem

import (
	"fmt"
	"time"
)

// TimeStamp is a nanosecond-precision UTC timestamp relative to the Unix epoch.
type TimeStamp int64

// TimeSpan is a duration in nanoseconds.
type TimeSpan int64

const (
	Nanosecond  TimeSpan = 1
	Microsecond          = 1000 * Nanosecond
	Millisecond          = 1000 * Microsecond
	Second               = 1000 * Millisecond
	Minute               = 60 * Second
	Hour                 = 60 * Minute
)

// Now returns the current wall-clock time as a TimeStamp.
func Now() TimeStamp { return TimeStamp(time.Now().UnixNano()) }

// NewTimeStamp converts a time.Time into a TimeStamp.
func NewTimeStamp(t time.Time) TimeStamp { return TimeStamp(t.UnixNano()) }

// Time converts the timestamp into a time.Time in UTC.
func (ts TimeStamp) Time() time.Time { return time.Unix(0, int64(ts)).UTC() }

// IsZero returns true if the timestamp is the Unix epoch.
func (ts TimeStamp) IsZero() bool { return ts == 0 }

// Add returns the timestamp offset by the given span.
func (ts TimeStamp) Add(span TimeSpan) TimeStamp { return ts + TimeStamp(span) }

// Sub returns the span between two timestamps.
func (ts TimeStamp) Sub(other TimeStamp) TimeSpan { return TimeSpan(ts - other) }

// Before returns true if ts is strictly before other.
func (ts TimeStamp) Before(other TimeStamp) bool { return ts < other }

// After returns true if ts is strictly after other.
func (ts TimeStamp) After(other TimeStamp) bool { return ts > other }

// SpanRange returns the range [ts, ts+span).
func (ts TimeStamp) SpanRange(span TimeSpan) TimeRange {
	return TimeRange{Start: ts, End: ts.Add(span)}
}

func (ts TimeStamp) String() string { return ts.Time().Format(time.RFC3339Nano) }

// Duration converts the span into a time.Duration.
func (s TimeSpan) Duration() time.Duration { return time.Duration(s) }

// NewTimeSpan converts a time.Duration into a TimeSpan.
func NewTimeSpan(d time.Duration) TimeSpan { return TimeSpan(d) }

func (s TimeSpan) String() string { return s.Duration().String() }

// TimeRange is a half-open range of time [Start, End).
type TimeRange struct {
	Start TimeStamp
	End   TimeStamp
}

// TimeRangeZero is the zero-valued time range, used by the codec to omit ranges entirely.
var TimeRangeZero = TimeRange{}

// IsZero returns true if both endpoints are zero.
func (tr TimeRange) IsZero() bool { return tr.Start == 0 && tr.End == 0 }

// Span returns the length of the range.
func (tr TimeRange) Span() TimeSpan { return tr.End.Sub(tr.Start) }

// ContainsStamp returns true if the range contains the given timestamp.
func (tr TimeRange) ContainsStamp(ts TimeStamp) bool { return ts >= tr.Start && ts < tr.End }

func (tr TimeRange) String() string {
	return fmt.Sprintf("%s - %s", tr.Start, tr.End)
}

// Alignment is a monotonic ordering token used to correlate samples across channels
// independently of wall-clock time.
type Alignment uint64
