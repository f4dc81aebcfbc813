package capture

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FrequencyMap resolves channel names to tuner frequencies in kHz, with
// an optional station alias layer on top (xawtv station file format).
type FrequencyMap struct {
	frequencies map[string]uint32 // canonical channel -> kHz
	aliases     map[string]string // station alias -> canonical channel
}

// NewFrequencyMap returns an empty map.
func NewFrequencyMap() *FrequencyMap {
	return &FrequencyMap{
		frequencies: make(map[string]uint32),
		aliases:     make(map[string]string),
	}
}

// LoadFrequencies reads a frequency table: one "CHANNEL KHZ" pair per
// line, '#' starts a comment.
func (m *FrequencyMap) LoadFrequencies(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening frequency map: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return fmt.Errorf("frequency map %s:%d: expected channel and frequency", path, line)
		}
		khz, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("frequency map %s:%d: %w", path, line, err)
		}
		m.frequencies[fields[0]] = uint32(khz)
	}
	return scanner.Err()
}

// LoadStations reads a station alias file. Sections are introduced by
// "[name]" and the channel key inside binds the alias to a canonical
// channel:
//
//	[SE10]
//	channel = E10
func (m *FrequencyMap) LoadStations(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening stations file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var station string
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") {
			continue
		}
		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			station = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok || station == "" {
			continue
		}
		if strings.TrimSpace(key) == "channel" {
			m.aliases[station] = strings.TrimSpace(value)
		}
	}
	return scanner.Err()
}

// Resolve returns the frequency for a channel name or station alias.
func (m *FrequencyMap) Resolve(channel string) (uint32, error) {
	name := channel
	if canonical, ok := m.aliases[name]; ok {
		name = canonical
	}
	khz, ok := m.frequencies[name]
	if !ok {
		return 0, fmt.Errorf("no frequency for channel %q", channel)
	}
	return khz, nil
}

// Stations returns the known station aliases.
func (m *FrequencyMap) Stations() []string {
	out := make([]string, 0, len(m.aliases))
	for alias := range m.aliases {
		out = append(out, alias)
	}
	return out
}
