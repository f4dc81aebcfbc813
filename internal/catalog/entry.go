// Package catalog implements the persistent recording catalog: scheduled
// recordings held in memory per capture device and snapshotted to an XML
// file after every mutation.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxProfiles is the maximum number of transcoding profiles per entry.
const MaxProfiles = 4

// RecurrenceKind selects the date stepping of a recurring recording.
type RecurrenceKind string

const (
	RecurNone   RecurrenceKind = "none"
	RecurDaily  RecurrenceKind = "daily"
	RecurWeekly RecurrenceKind = "weekly"
	RecurMonFri RecurrenceKind = "mon-fri"
	RecurMonThu RecurrenceKind = "mon-thu"
	RecurTueFri RecurrenceKind = "tue-fri"
	RecurSatSun RecurrenceKind = "sat-sun"
)

// ParseRecurrenceKind maps a string onto a recurrence kind.
func ParseRecurrenceKind(s string) (RecurrenceKind, error) {
	switch RecurrenceKind(s) {
	case RecurNone, RecurDaily, RecurWeekly, RecurMonFri, RecurMonThu, RecurTueFri, RecurSatSun:
		return RecurrenceKind(s), nil
	}
	return RecurNone, fmt.Errorf("unknown recurrence kind %q", s)
}

// MangleKind selects how titles and basenames of recurring children are
// made unique.
type MangleKind string

const (
	// MangleNumber appends a numeric suffix: "_1", "_2", ...
	MangleNumber MangleKind = "number"
	// MangleDate appends the ISO date of the child's start.
	MangleDate MangleKind = "date"
)

// Recurrence describes a recurring recording template.
type Recurrence struct {
	Kind      RecurrenceKind
	Remaining int
	Mangle    MangleKind
}

// Entry is a single scheduled recording.
type Entry struct {
	ID         string
	Title      string
	Channel    string
	Start      time.Time
	End        time.Time
	Profiles   []string
	Recurrence Recurrence
	Basename   string
	// Device is the capture card index, resolved when the entry is added.
	Device int
}

// NewID returns a fresh entry identifier.
func NewID() string {
	return ulid.Make().String()
}

// Sanitize turns a title into a filesystem-safe basename.
func Sanitize(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "recording"
	}
	return b.String()
}

// Validate checks the structural invariants of an entry.
func (e *Entry) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("entry title is required")
	}
	if e.Channel == "" {
		return fmt.Errorf("entry channel is required")
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("entry end must be after start")
	}
	if len(e.Profiles) > MaxProfiles {
		return fmt.Errorf("entry has %d profiles, maximum is %d", len(e.Profiles), MaxProfiles)
	}
	return nil
}

// Duration returns the scheduled recording length.
func (e *Entry) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Overlaps reports whether the [Start,End) intervals of two entries
// intersect.
func (e *Entry) Overlaps(o *Entry) bool {
	return e.Start.Before(o.End) && o.Start.Before(e.End)
}

// clone returns a deep copy of the entry.
func (e *Entry) clone() *Entry {
	c := *e
	c.Profiles = append([]string(nil), e.Profiles...)
	return &c
}

// SeriesBase returns the basename an entry's recurring siblings share.
// Mangled suffixes are stripped so that children of one template compare
// equal.
func (e *Entry) SeriesBase() string {
	base := e.Basename
	if i := strings.LastIndexByte(base, '_'); i > 0 {
		base = base[:i]
	}
	return base
}

// step returns the start of the next child for a recurrence kind.
func step(t time.Time, kind RecurrenceKind) time.Time {
	next := t.AddDate(0, 0, 1)
	switch kind {
	case RecurDaily:
		return next
	case RecurWeekly:
		return t.AddDate(0, 0, 7)
	case RecurMonFri:
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case RecurMonThu:
		for next.Weekday() < time.Monday || next.Weekday() > time.Thursday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case RecurTueFri:
		for next.Weekday() < time.Tuesday || next.Weekday() > time.Friday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case RecurSatSun:
		for next.Weekday() != time.Saturday && next.Weekday() != time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	return next
}

// Expand materializes a recurring template into count sequentially dated
// children. Titles and basenames are mangled per the recurrence policy.
func Expand(template *Entry, kind RecurrenceKind, count int) []*Entry {
	children := make([]*Entry, 0, count)
	start, end := template.Start, template.End
	for i := 0; i < count; i++ {
		child := template.clone()
		child.ID = NewID()
		child.Start = start
		child.End = end
		child.Recurrence = Recurrence{
			Kind:      kind,
			Remaining: count - i - 1,
			Mangle:    template.Recurrence.Mangle,
		}
		mangle(child, i)
		children = append(children, child)

		start = step(start, kind)
		end = step(end, kind)
	}
	return children
}

// mangle makes the i-th child's title and basename unique.
func mangle(child *Entry, i int) {
	switch child.Recurrence.Mangle {
	case MangleDate:
		date := child.Start.Format("2006-01-02")
		child.Title = fmt.Sprintf("%s %s", child.Title, date)
		child.Basename = fmt.Sprintf("%s_%s", child.Basename, date)
	default:
		child.Title = fmt.Sprintf("%s (%d)", child.Title, i+1)
		child.Basename = fmt.Sprintf("%s_%d", child.Basename, i+1)
	}
}
