package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// canonicalJSON serializes a value as JSON with all object keys sorted, so the
// same logical content always produces the same bytes.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return marshalSorted(decoded)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, key...)
			out = append(out, ':')
			child, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, child...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			child, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, child...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(val)
	}
}

// ContentHash returns the hex-encoded blake2b-128 digest of the canonical JSON
// form of v.
func ContentHash(v any) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashProfile computes the whole-profile hash and the per-downstream hashes.
// Hashes cover the normalized definition as written in the profile, before env
// substitution: a changed env var value does not invalidate the index.
func hashProfile(profile *Profile) error {
	profile.perHash = make(map[string]string, profile.Downstreams.Len())
	combined := make(map[string]any, profile.Downstreams.Len())
	for _, name := range profile.Downstreams.Names() {
		spec := profile.Downstreams.Get(name)
		h, err := ContentHash(spec)
		if err != nil {
			return fmt.Errorf("downstream %q: %w", name, err)
		}
		profile.perHash[name] = h
		combined[name] = spec
	}
	h, err := ContentHash(combined)
	if err != nil {
		return err
	}
	profile.hash = h
	return nil
}
