package tus

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Metadata is an ordered set of key-value pairs announced to the server in the Upload-Metadata header.
// The zero value is an empty Metadata ready to use.
type Metadata struct {
	keys   []string
	values map[string]string
}

// NewMetadata creates Metadata from a map. Keys are ordered alphabetically so the encoding is stable.
func NewMetadata(pairs map[string]string) (Metadata, error) {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var m Metadata
	for _, k := range keys {
		if err := m.Set(k, pairs[k]); err != nil {
			return Metadata{}, err
		}
	}
	return m, nil
}

// Set adds a pair or replaces the value of an existing key in place.
func (m *Metadata) Set(key, value string) error {
	if err := validateMetadataKey(key); err != nil {
		return err
	}
	if m.values == nil {
		m.values = map[string]string{}
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
	return nil
}

// Get ...
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the keys in encoding order.
func (m Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len ...
func (m Metadata) Len() int {
	return len(m.keys)
}

// Encode returns the Upload-Metadata header value: "key base64(value)" pairs joined by commas.
// Empty Metadata encodes to an empty string.
func (m Metadata) Encode() string {
	pairs := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(m.values[k])))
	}
	return strings.Join(pairs, ",")
}

// ParseMetadata decodes an Upload-Metadata header value. It is the inverse of Metadata.Encode
// and also accepts keys without a value.
func ParseMetadata(header string) (Metadata, error) {
	var m Metadata
	if strings.TrimSpace(header) == "" {
		return m, nil
	}

	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		key, encoded, _ := strings.Cut(pair, " ")
		if _, exists := m.values[key]; exists {
			return Metadata{}, fmt.Errorf("duplicate metadata key: %s", key)
		}

		value, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Metadata{}, fmt.Errorf("decode value of metadata key %s: %w", key, err)
		}
		if err := m.Set(key, string(value)); err != nil {
			return Metadata{}, err
		}
	}
	return m, nil
}

func validateMetadataKey(key string) error {
	if key == "" {
		return fmt.Errorf("metadata key is empty")
	}
	if strings.ContainsAny(key, " ,") {
		return fmt.Errorf("spaces and commas are not allowed in metadata keys (invalid key: %s)", key)
	}
	return nil
}
