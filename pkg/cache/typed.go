package cache

import (
	"encoding/json"
	"fmt"
)

// GetTyped deserializes a cached JSON value into the given type T.
// Returns the zero value of T and false if the key is missing or the stored
// data is not valid JSON for type T.
func GetTyped[T any](s *Store, key string) (T, bool) {
	var zero T
	data, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false
	}
	return v, true
}

// PutTyped serializes value as indented JSON and stores it under key.
func PutTyped[T any](s *Store, key string, value T) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal typed value for %q: %w", key, err)
	}
	return s.Put(key, data)
}
