package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventAll matches every row change.
	EventAll EventType = "*"
)

// ErrInvalidFilter is returned for filters outside the column=op.value grammar.
var ErrInvalidFilter = errors.New("realtime: invalid filter")

// Change is one row-level change event.
type Change struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            EventType      `json:"type"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	New             map[string]any `json:"new,omitempty"`
	Old             map[string]any `json:"old,omitempty"`
}

// Record returns the new row, or the old one for deletes.
func (c Change) Record() map[string]any {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// Int64 reads an integer column from the record.
func (c Change) Int64(column string) (int64, bool) {
	return toInt64(c.Record()[column])
}

func decodeChange(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("realtime: decode change: %w", err)
	}
	if c.Table == "" {
		return Change{}, errors.New("realtime: decode change: missing table")
	}
	return c, nil
}

// Options narrows a subscription.
type Options struct {
	// Event defaults to EventAll.
	Event EventType
	// Filter is a single column predicate such as "user_id=eq.42".
	Filter string
	// Schema defaults to "public".
	Schema string
}

func (o Options) withDefaults() Options {
	if o.Event == "" {
		o.Event = EventAll
	}
	if o.Schema == "" {
		o.Schema = "public"
	}
	return o
}

// Filter is a parsed column predicate.
type Filter struct {
	Column string
	Op     string
	Values []string
}

// ParseFilter parses "column=op.value". Supported operators are eq, neq, lt,
// lte, gt, gte and in, where in takes a parenthesised comma list.
func ParseFilter(raw string) (*Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	column, rest, ok := strings.Cut(raw, "=")
	if !ok || column == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, raw)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, raw)
	}
	f := &Filter{Column: column, Op: op}
	switch op {
	case "eq", "neq", "lt", "lte", "gt", "gte":
		f.Values = []string{value}
	case "in":
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, raw)
		}
		for _, v := range strings.Split(value[1:len(value)-1], ",") {
			f.Values = append(f.Values, strings.TrimSpace(v))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, op)
	}
	return f, nil
}

// Match evaluates the predicate against a row. A missing column never matches.
func (f *Filter) Match(row map[string]any) bool {
	if f == nil {
		return true
	}
	raw, ok := row[f.Column]
	if !ok || raw == nil {
		return false
	}
	value := stringify(raw)
	switch f.Op {
	case "eq":
		return value == f.Values[0]
	case "neq":
		return value != f.Values[0]
	case "in":
		return slices.Contains(f.Values, value)
	}
	left, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return compareOrdered(f.Op, strings.Compare(value, f.Values[0]))
	}
	right, err := strconv.ParseFloat(f.Values[0], 64)
	if err != nil {
		return false
	}
	switch {
	case left < right:
		return compareOrdered(f.Op, -1)
	case left > right:
		return compareOrdered(f.Op, 1)
	default:
		return compareOrdered(f.Op, 0)
	}
}

func compareOrdered(op string, cmp int) bool {
	switch op {
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	}
	return false
}

func matches(c Change, table string, opts Options, filter *Filter) bool {
	if c.Table != table {
		return false
	}
	if c.Schema != "" && c.Schema != opts.Schema {
		return false
	}
	if opts.Event != EventAll && c.Type != opts.Event {
		return false
	}
	return filter.Match(c.Record())
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), t == float64(int64(t))
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}
