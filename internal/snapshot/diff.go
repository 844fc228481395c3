package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcpguardian/mcpguardian/internal/canonical"
)

// ChangeKind classifies a single diff entry.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is one human-reviewable difference between two snapshots.
// Path identifies the element, e.g. "tools/echo" or "protocolVersion".
type Change struct {
	Path string          `json:"path"`
	Kind ChangeKind      `json:"kind"`
	Old  json.RawMessage `json:"old,omitempty"`
	New  json.RawMessage `json:"new,omitempty"`
}

// Diff compares two snapshot payloads and lists their differences,
// ordered by path. Equal payloads produce an empty list.
func Diff(oldPayload, newPayload json.RawMessage) ([]Change, error) {
	var oldDoc, newDoc payload
	if err := json.Unmarshal(oldPayload, &oldDoc); err != nil {
		return nil, fmt.Errorf("decode old payload: %w", err)
	}
	if err := json.Unmarshal(newPayload, &newDoc); err != nil {
		return nil, fmt.Errorf("decode new payload: %w", err)
	}

	changes := []Change{}

	if oldDoc.ProtocolVersion != newDoc.ProtocolVersion {
		changes = append(changes, Change{
			Path: "protocolVersion",
			Kind: ChangeChanged,
			Old:  mustJSON(oldDoc.ProtocolVersion),
			New:  mustJSON(newDoc.ProtocolVersion),
		})
	}
	for _, sec := range []struct {
		path     string
		old, new json.RawMessage
	}{
		{"capabilities", oldDoc.Capabilities, newDoc.Capabilities},
		{"serverInfo", oldDoc.ServerInfo, newDoc.ServerInfo},
	} {
		same, err := jsonEqual(sec.old, sec.new)
		if err != nil {
			return nil, err
		}
		if !same {
			changes = append(changes, Change{
				Path: sec.path, Kind: ChangeChanged, Old: sec.old, New: sec.new,
			})
		}
	}

	for _, col := range []struct {
		path string
		key  string
		olds []json.RawMessage
		news []json.RawMessage
	}{
		{"tools", "name", oldDoc.Tools, newDoc.Tools},
		{"resources", "uri", oldDoc.Resources, newDoc.Resources},
		{"resource_templates", "uriTemplate", oldDoc.ResourceTemplates, newDoc.ResourceTemplates},
		{"prompts", "name", oldDoc.Prompts, newDoc.Prompts},
	} {
		colChanges, err := diffCollection(col.path, col.key, col.olds, col.news)
		if err != nil {
			return nil, err
		}
		changes = append(changes, colChanges...)
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes, nil
}

func diffCollection(path, key string, olds, news []json.RawMessage) ([]Change, error) {
	oldByKey, err := indexByKey(olds, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	newByKey, err := indexByKey(news, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	keys := make(map[string]bool, len(oldByKey)+len(newByKey))
	for k := range oldByKey {
		keys[k] = true
	}
	for k := range newByKey {
		keys[k] = true
	}

	var changes []Change
	for k := range keys {
		oldItem, inOld := oldByKey[k]
		newItem, inNew := newByKey[k]
		p := path + "/" + k
		switch {
		case !inOld:
			changes = append(changes, Change{Path: p, Kind: ChangeAdded, New: newItem})
		case !inNew:
			changes = append(changes, Change{Path: p, Kind: ChangeRemoved, Old: oldItem})
		default:
			same, err := jsonEqual(oldItem, newItem)
			if err != nil {
				return nil, err
			}
			if !same {
				changes = append(changes, Change{Path: p, Kind: ChangeChanged, Old: oldItem, New: newItem})
			}
		}
	}
	return changes, nil
}

func indexByKey(items []json.RawMessage, key string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, err
		}
		var k string
		if raw, ok := fields[key]; ok {
			if err := json.Unmarshal(raw, &k); err != nil {
				return nil, err
			}
		}
		out[k] = item
	}
	return out, nil
}

func jsonEqual(a, b json.RawMessage) (bool, error) {
	if len(a) == 0 && len(b) == 0 {
		return true, nil
	}
	ca, err := canonical.CanonicalizeRaw(orEmptyObject(a))
	if err != nil {
		return false, err
	}
	cb, err := canonical.CanonicalizeRaw(orEmptyObject(b))
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
