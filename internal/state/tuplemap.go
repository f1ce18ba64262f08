package state

import "encoding/json"

// TupleKeyedMap is a map whose keys are small fixed-size tuples (for
// example (measurement, item)) rather than strings. Go map keys can't be
// arbitrary structs in JSON (object keys must be strings), so the state
// store's on-disk representation is instead an array of [key-tuple, value]
// pairs, matching the set_map design note in the data model: "tuple keys
// round-trip as a JSON array of 2-element arrays, not as object keys".
type TupleKeyedMap[K comparable, V any] struct {
	entries map[K]V
}

// NewTupleKeyedMap returns an empty map.
func NewTupleKeyedMap[K comparable, V any]() *TupleKeyedMap[K, V] {
	return &TupleKeyedMap[K, V]{entries: make(map[K]V)}
}

// Get returns the value for key and whether it was present.
func (m *TupleKeyedMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Set stores value under key.
func (m *TupleKeyedMap[K, V]) Set(key K, value V) {
	m.entries[key] = value
}

// Delete removes key, if present.
func (m *TupleKeyedMap[K, V]) Delete(key K) {
	delete(m.entries, key)
}

// Len returns the number of entries.
func (m *TupleKeyedMap[K, V]) Len() int {
	return len(m.entries)
}

// Range calls f for every entry. f must not mutate the map.
func (m *TupleKeyedMap[K, V]) Range(f func(key K, value V)) {
	for k, v := range m.entries {
		f(k, v)
	}
}

// MarshalJSON emits the map as a JSON array of [key, value] pairs rather
// than an object keyed by a stringified tuple, so the key's structure
// survives the round trip untouched.
func (m *TupleKeyedMap[K, V]) MarshalJSON() ([]byte, error) {
	entries := make([][2]interface{}, 0, len(m.entries))
	for k, v := range m.entries {
		entries = append(entries, [2]interface{}{k, v})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *TupleKeyedMap[K, V]) UnmarshalJSON(data []byte) error {
	var entries [][2]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.entries = make(map[K]V, len(entries))
	for _, e := range entries {
		var k K
		var v V
		if err := json.Unmarshal(e[0], &k); err != nil {
			return err
		}
		if err := json.Unmarshal(e[1], &v); err != nil {
			return err
		}
		m.entries[k] = v
	}
	return nil
}
