package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Data is the per-session scratch space shared by the steps of a flow.
//
// Values survive a store round trip as JSON, so a struct stored with Set comes back as a
// map on the next turn. Use Decode to read structured values regardless of which form
// they are currently in.
type Data map[string]any

// Set stores a value.
func (d Data) Set(key string, value any) {
	d[key] = value
}

// Delete removes keys.
func (d Data) Delete(keys ...string) {
	for _, k := range keys {
		delete(d, k)
	}
}

// Has reports whether key is present with a non-nil value.
func (d Data) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// String returns the value as a string. Non-string scalars are formatted; absent keys yield "".
func (d Data) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value as an int. JSON numbers and numeric strings are accepted.
func (d Data) Int(key string) (int, bool) {
	switch t := d[key].(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns the value as a bool; anything but a true bool is false.
func (d Data) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Decode copies the value under key into out through a JSON round trip.
func (d Data) Decode(key string, out any) error {
	v, ok := d[key]
	if !ok || v == nil {
		return fmt.Errorf("%w: %s", ErrMissingData, key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Require returns ErrMissingData naming every absent key.
func (d Data) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if !d.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrMissingData, strings.Join(missing, ", "))
}
