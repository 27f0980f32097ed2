package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/dawsync/internal/audio"
)

// marshalFragments converts fragments to JSON TEXT. A nil slice is stored
// as [] so every row holds an array.
func marshalFragments(frags []audio.Fragment) (string, error) {
	if frags == nil {
		frags = []audio.Fragment{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(frags); err != nil {
		return "", fmt.Errorf("marshal fragments: %w", err)
	}
	// Encoder adds a trailing newline
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalFragments parses JSON TEXT. An empty array yields nil, matching
// the allocator's empty layout.
func unmarshalFragments(data string) ([]audio.Fragment, error) {
	var frags []audio.Fragment
	if err := json.Unmarshal([]byte(data), &frags); err != nil {
		return nil, fmt.Errorf("unmarshal fragments: %w", err)
	}
	if len(frags) == 0 {
		return nil, nil
	}
	return frags, nil
}
