package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Key identifies one logical query: an ordered list of strings and numbers,
// e.g. Key{"audit", "123"}.
//
// Two queries that observe different data must use different keys. The
// cache cannot tell when a key is reused for another location.
type Key []any

// Hash returns the canonical string form of the key, used to address cache
// entries. Keys with equal elements hash equally.
func (k Key) Hash() string {
	parts := make([]string, len(k))
	for i, el := range k {
		parts[i] = hashElem(el)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// String returns the hash, which is also readable.
func (k Key) String() string {
	return k.Hash()
}

// HasPrefix reports whether k starts with every element of prefix.
// An empty prefix matches all keys.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if hashElem(k[i]) != hashElem(prefix[i]) {
			return false
		}
	}
	return true
}

// Validate checks that every element is a primitive.
func (k Key) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("query key must not be empty")
	}
	for i, el := range k {
		switch el.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("query key element %d has unsupported type %T", i, el)
		}
	}
	return nil
}

func hashElem(el any) string {
	b, err := json.Marshal(el)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(el))
	}
	return string(b)
}
