package stream

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Diff is the change between two JSON objects, top-level keys only. Applying
// a diff to any state that already includes it is a no-op, so a client that
// receives a snapshot and a racing diff converges either way.
type Diff struct {
	Changed map[string]json.RawMessage `json:"changed"`
	Removed []string                   `json:"removed"`
}

func (d Diff) Empty() bool { return len(d.Changed) == 0 && len(d.Removed) == 0 }

// diffObjects reports ok=false when either side is not a JSON object.
func diffObjects(prev, cur []byte) (Diff, bool) {
	var a, b map[string]json.RawMessage
	if json.Unmarshal(prev, &a) != nil || json.Unmarshal(cur, &b) != nil || a == nil || b == nil {
		return Diff{}, false
	}
	d := Diff{Changed: map[string]json.RawMessage{}, Removed: []string{}}
	for k, v := range b {
		old, ok := a[k]
		if !ok || !bytes.Equal(compact(old), compact(v)) {
			d.Changed[k] = v
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Removed)
	return d, true
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
