package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ref is a record reference inside job arguments. It always normalizes
// to "type:id" regardless of what the referenced record contains, so a
// reloaded record with drifted attributes still dedups against the
// same key.
type Ref struct {
	Type string `json:"-"`
	ID   string `json:"-"`
}

// MarshalJSON encodes the reference as its canonical "type:id" form.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Type + ":" + r.ID)
}

// Normalize renders job arguments into a deterministic canonical
// string. The contract:
//
//   - primitives are stringified (numbers keep their JSON rendering)
//   - collections are normalized recursively, object keys sorted
//   - record references (Ref values) reduce to "type:id"
//   - anything else falls back to its JSON encoding
//
// Two argument values that are semantically equal always normalize to
// the same string, making the dedup hash reproducible across
// processes.
func Normalize(args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal arguments: %w", err)
	}

	// Round-trip through a decoder with UseNumber so numeric values
	// keep their original rendering instead of float64 formatting.
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("failed to decode arguments: %w", err)
	}

	var sb strings.Builder
	writeCanonical(&sb, tree)
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		sb.WriteString(val)
	case json.Number:
		sb.WriteString(val.String())
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	default:
		// Unreachable after a JSON round-trip, but keep a fixed
		// rendering for safety.
		fmt.Fprintf(sb, "%v", val)
	}
}

// MarkerKey computes the dedup marker key for a (job class, arguments)
// pair.
func MarkerKey(class string, args any) (string, error) {
	canonical, err := Normalize(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(class + "\x00" + canonical))
	return "dedup:" + hex.EncodeToString(sum[:]), nil
}
