// Package snapshot turns an upstream's discovered capability surface
// into a normalized, fingerprinted document. Two upstreams that expose
// the same surface, regardless of listing order or JSON formatting,
// produce byte-identical payloads and identical hashes.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mcpguardian/mcpguardian/internal/canonical"
	"github.com/mcpguardian/mcpguardian/internal/upstream"
)

// ErrAmbiguousListing is returned when an upstream lists two entries
// under the same identity (two tools with one name, two resources with
// one uri). Such a surface cannot be deterministically ordered, so it
// cannot be fingerprinted.
var ErrAmbiguousListing = errors.New("snapshot: duplicate identity in upstream listing")

// ErrMissingIdentity is returned when a listed entry lacks the field
// that identifies it (a tool without a name, a resource without a uri).
var ErrMissingIdentity = errors.New("snapshot: entry missing identity field")

// volatileServerInfoKeys are serverInfo fields that change across
// restarts of the same server build and must not influence the hash.
var volatileServerInfoKeys = []string{"build", "buildTime", "uptime", "instructions"}

// Result is one normalized observation of an upstream.
type Result struct {
	// Payload is the canonical JSON document that was hashed.
	Payload json.RawMessage
	// Hash is the lowercase hex SHA-256 of Payload.
	Hash string
}

// payload fixes the document shape. Canonicalization re-sorts keys, so
// the field order here is cosmetic; the set of fields is the contract.
type payload struct {
	ProtocolVersion   string            `json:"protocolVersion"`
	Capabilities      json.RawMessage   `json:"capabilities"`
	ServerInfo        json.RawMessage   `json:"serverInfo"`
	Tools             []json.RawMessage `json:"tools"`
	Resources         []json.RawMessage `json:"resources"`
	ResourceTemplates []json.RawMessage `json:"resource_templates"`
	Prompts           []json.RawMessage `json:"prompts"`
}

// lister is the discovery surface of upstream.Client.
type lister interface {
	ListAll(ctx context.Context, url string) (*upstream.Listing, error)
}

// Snapshotter produces Results from live upstreams.
type Snapshotter struct {
	client lister
}

func New(client lister) *Snapshotter {
	return &Snapshotter{client: client}
}

// Take discovers the capability surface at url and returns its
// normalized form. A discovery failure yields no Result at all;
// partial surfaces are never recorded.
func (s *Snapshotter) Take(ctx context.Context, url string) (*Result, error) {
	listing, err := s.client.ListAll(ctx, url)
	if err != nil {
		return nil, err
	}
	return Normalize(listing)
}

// Normalize builds the canonical payload for a discovered listing.
func Normalize(listing *upstream.Listing) (*Result, error) {
	serverInfo, err := stripVolatile(listing.Init.ServerInfo)
	if err != nil {
		return nil, fmt.Errorf("normalize serverInfo: %w", err)
	}

	doc := payload{
		ProtocolVersion:   listing.Init.ProtocolVersion,
		Capabilities:      orEmptyObject(listing.Init.Capabilities),
		ServerInfo:        serverInfo,
		Tools:             listing.Tools,
		Resources:         listing.Resources,
		ResourceTemplates: listing.ResourceTemplates,
		Prompts:           listing.Prompts,
	}

	for _, c := range []struct {
		name  string
		key   string
		items *[]json.RawMessage
	}{
		{"tools", "name", &doc.Tools},
		{"resources", "uri", &doc.Resources},
		{"resource_templates", "uriTemplate", &doc.ResourceTemplates},
		{"prompts", "name", &doc.Prompts},
	} {
		sorted, err := sortByKey(*c.items, c.key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		*c.items = sorted
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	canon, err := canonical.CanonicalizeRaw(raw)
	if err != nil {
		return nil, err
	}
	sum, err := canonical.FingerprintRaw(canon)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: canon, Hash: sum}, nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// stripVolatile removes fields from serverInfo that vary between runs
// of the same server build.
func stripVolatile(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var info map[string]json.RawMessage
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	for _, k := range volatileServerInfoKeys {
		delete(info, k)
	}
	return json.Marshal(info)
}

// sortByKey orders items by the named string field. Items are kept
// verbatim; only their order changes. A repeated key is ambiguous.
func sortByKey(items []json.RawMessage, key string) ([]json.RawMessage, error) {
	if items == nil {
		return []json.RawMessage{}, nil
	}

	type keyed struct {
		key  string
		item json.RawMessage
	}
	keyedItems := make([]keyed, 0, len(items))
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		var k string
		if raw, ok := fields[key]; ok {
			if err := json.Unmarshal(raw, &k); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if k == "" {
			return nil, fmt.Errorf("%w: no %s", ErrMissingIdentity, key)
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: %s %q listed twice", ErrAmbiguousListing, key, k)
		}
		seen[k] = true
		keyedItems = append(keyedItems, keyed{key: k, item: item})
	}

	sort.Slice(keyedItems, func(i, j int) bool {
		return keyedItems[i].key < keyedItems[j].key
	})

	out := make([]json.RawMessage, len(keyedItems))
	for i, ki := range keyedItems {
		out[i] = ki.item
	}
	return out, nil
}
