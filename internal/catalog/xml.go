package catalog

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

// xmlCatalog is the on-disk shape of a catalog snapshot.
type xmlCatalog struct {
	XMLName    xml.Name       `xml:"catalog"`
	Recordings []xmlRecording `xml:"recording"`
}

type xmlRecording struct {
	ID       string    `xml:"id,attr"`
	Title    string    `xml:"title"`
	Channel  string    `xml:"channel"`
	Start    string    `xml:"start"`
	End      string    `xml:"end"`
	Profiles []string  `xml:"profile"`
	Repeat   xmlRepeat `xml:"repeat"`
	Basename string    `xml:"basename"`
	Device   int       `xml:"device"`
}

type xmlRepeat struct {
	Kind      string `xml:"kind,attr"`
	Remaining int    `xml:"remaining,attr"`
	Mangle    string `xml:"mangle,attr"`
}

// marshalEntries serializes entries to the on-disk XML snapshot format.
// Timestamps are stored as RFC3339 in UTC so snapshots are byte-stable
// across round trips.
func marshalEntries(entries []*Entry) ([]byte, error) {
	doc := xmlCatalog{Recordings: make([]xmlRecording, 0, len(entries))}
	for _, e := range entries {
		doc.Recordings = append(doc.Recordings, xmlRecording{
			ID:       e.ID,
			Title:    e.Title,
			Channel:  e.Channel,
			Start:    e.Start.UTC().Format(time.RFC3339),
			End:      e.End.UTC().Format(time.RFC3339),
			Profiles: e.Profiles,
			Repeat: xmlRepeat{
				Kind:      string(e.Recurrence.Kind),
				Remaining: e.Recurrence.Remaining,
				Mangle:    string(e.Recurrence.Mangle),
			},
			Basename: e.Basename,
			Device:   e.Device,
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding catalog: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// unmarshalEntries parses an XML snapshot back into catalog entries.
func unmarshalEntries(data []byte) ([]*Entry, error) {
	var doc xmlCatalog
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	entries := make([]*Entry, 0, len(doc.Recordings))
	for _, r := range doc.Recordings {
		start, err := time.Parse(time.RFC3339, r.Start)
		if err != nil {
			return nil, fmt.Errorf("recording %s: parsing start: %w", r.ID, err)
		}
		end, err := time.Parse(time.RFC3339, r.End)
		if err != nil {
			return nil, fmt.Errorf("recording %s: parsing end: %w", r.ID, err)
		}
		kind := RecurrenceKind(r.Repeat.Kind)
		if kind == "" {
			kind = RecurNone
		}
		entries = append(entries, &Entry{
			ID:       r.ID,
			Title:    r.Title,
			Channel:  r.Channel,
			Start:    start,
			End:      end,
			Profiles: r.Profiles,
			Recurrence: Recurrence{
				Kind:      kind,
				Remaining: r.Repeat.Remaining,
				Mangle:    MangleKind(r.Repeat.Mangle),
			},
			Basename: r.Basename,
			Device:   r.Device,
		})
	}
	return entries, nil
}
