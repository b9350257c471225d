package sift

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// FilterMode selects which exclusion list drives blocking decisions and
// what a match on that list means.
type FilterMode int

const (
	// FilterAllow permits traffic by default. Requests matching the allow
	// exclusion list are blocked.
	FilterAllow FilterMode = iota

	// FilterDeny blocks traffic by default. Requests matching the deny
	// exclusion list are permitted.
	FilterDeny
)

// String returns the textual form used in config files, flags and the
// control API.
func (m FilterMode) String() string {
	if m == FilterDeny {
		return "deny"
	}
	return "allow"
}

// ParseFilterMode converts a textual mode into a FilterMode.
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return FilterAllow, nil
	case "deny":
		return FilterDeny, nil
	default:
		return FilterAllow, fmt.Errorf("unknown filter mode: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m FilterMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *FilterMode) UnmarshalText(b []byte) error {
	parsed, err := ParseFilterMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// TrafficFilter decides whether a request target should be blocked.
// It holds two independent exclusion lists; the current mode selects
// which one is consulted and whether a match blocks or permits.
// All methods are safe for concurrent use.
type TrafficFilter struct {
	mu      sync.RWMutex
	enabled bool
	mode    FilterMode
	allow   []string
	deny    []string
}

// TrafficFilterState is a point-in-time copy of a TrafficFilter. The
// slices are deep copies; mutating them does not affect the filter.
type TrafficFilterState struct {
	Enabled         bool       `json:"enabled"`
	Mode            FilterMode `json:"mode"`
	AllowExclusions []string   `json:"allow_exclusions"`
	DenyExclusions  []string   `json:"deny_exclusions"`
}

// NewTrafficFilter returns a disabled filter in allow mode with empty
// exclusion lists.
func NewTrafficFilter() *TrafficFilter {
	return &TrafficFilter{}
}

// Enabled reports whether filtering is switched on.
func (t *TrafficFilter) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// SetEnabled switches filtering on or off.
func (t *TrafficFilter) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Toggle flips the enabled flag.
func (t *TrafficFilter) Toggle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = !t.enabled
}

// Mode returns the current filter mode.
func (t *TrafficFilter) Mode() FilterMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// SetMode selects the filter mode. Both exclusion lists are kept
// intact across mode changes.
func (t *TrafficFilter) SetMode(mode FilterMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
}

// SwitchMode flips between allow and deny mode. Neither list is
// modified; only the selection changes.
func (t *TrafficFilter) SwitchMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == FilterAllow {
		t.mode = FilterDeny
	} else {
		t.mode = FilterAllow
	}
}

// activeLocked returns the exclusion list selected by the current mode.
// The caller must hold the lock.
func (t *TrafficFilter) activeLocked() *[]string {
	if t.mode == FilterDeny {
		return &t.deny
	}
	return &t.allow
}

// ActiveList returns a copy of the exclusion list selected by the
// current mode.
func (t *TrafficFilter) ActiveList() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := *t.activeLocked()
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// SetActiveList replaces the exclusion list selected by the current
// mode. The input is copied.
func (t *TrafficFilter) SetActiveList(entries []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]string, len(entries))
	copy(cp, entries)
	*t.activeLocked() = cp
}

// UpdateList toggles membership of value on the active list: if value
// matches an existing entry it removes every entry exactly equal to
// value, otherwise it appends value. This backs single-button
// add/remove semantics.
func (t *TrafficFilter) UpdateList(value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.activeLocked()
	if t.matchesLocked(value) {
		kept := make([]string, 0, len(*list))
		for _, entry := range *list {
			if entry != value {
				kept = append(kept, entry)
			}
		}
		*list = kept
		return
	}
	*list = append(*list, value)
}

// UpdateListItem overwrites the active list entry at index.
func (t *TrafficFilter) UpdateListItem(index int, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.activeLocked()
	if index < 0 || index >= len(*list) {
		return fmt.Errorf("exclusion index %d out of range (list has %d entries)", index, len(*list))
	}
	(*list)[index] = value
	return nil
}

// Matches reports whether uri matches any entry on the active list.
// Matching is bidirectional substring containment: an entry matches
// when it contains the uri or the uri contains it.
func (t *TrafficFilter) Matches(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.matchesLocked(uri)
}

func (t *TrafficFilter) matchesLocked(uri string) bool {
	for _, entry := range *t.activeLocked() {
		if strings.Contains(uri, entry) || strings.Contains(entry, uri) {
			return true
		}
	}
	return false
}

// Blocked decides whether a request for uri should be blocked.
//
// A disabled filter never blocks. In allow mode a match on the active
// list blocks the request; in deny mode a match permits it and
// everything else is blocked.
func (t *TrafficFilter) Blocked(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.enabled {
		return false
	}
	matched := t.matchesLocked(uri)
	if t.mode == FilterDeny {
		return !matched
	}
	return matched
}

// Snapshot returns a deep copy of the filter state.
func (t *TrafficFilter) Snapshot() TrafficFilterState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	allow := make([]string, len(t.allow))
	copy(allow, t.allow)
	deny := make([]string, len(t.deny))
	copy(deny, t.deny)
	return TrafficFilterState{
		Enabled:         t.enabled,
		Mode:            t.mode,
		AllowExclusions: allow,
		DenyExclusions:  deny,
	}
}

// exclusionHeader is the single column name used by exclusion list CSV
// files.
const exclusionHeader = "request"

// LoadExclusionList reads exclusion entries from CSV data. The first
// column of each row is taken as an entry; a leading header row named
// "request" is skipped, as are blank rows.
func LoadExclusionList(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	entries := make([]string, 0)
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read exclusion list: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		value := strings.TrimSpace(record[0])
		if first {
			first = false
			if strings.EqualFold(value, exclusionHeader) {
				continue
			}
		}
		if value == "" {
			continue
		}
		entries = append(entries, value)
	}
	return entries, nil
}

// LoadExclusionListFile reads an exclusion list CSV from disk.
func LoadExclusionListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exclusion list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadExclusionList(f)
}

// WriteExclusionList writes entries as CSV with a "request" header row.
func WriteExclusionList(w io.Writer, entries []string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{exclusionHeader}); err != nil {
		return fmt.Errorf("write exclusion list header: %w", err)
	}
	for _, entry := range entries {
		if err := writer.Write([]string{entry}); err != nil {
			return fmt.Errorf("write exclusion list entry: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush exclusion list: %w", err)
	}
	return nil
}

// WriteExclusionListFile writes an exclusion list CSV to disk.
func WriteExclusionListFile(path string, entries []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create exclusion list: %w", err)
	}
	if err := WriteExclusionList(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
