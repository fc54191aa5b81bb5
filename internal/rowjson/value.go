// Package rowjson converts PostgreSQL result sets into JSON documents.
//
// A result set becomes an Array of Objects, one Object per row, keyed by
// column name in the order the server reported the columns. Cell values are
// plain Go values that encoding/json already knows how to write:
//
//	nil          -> null
//	bool         -> true / false
//	int64        -> integer number
//	float64      -> number (always finite)
//	json.Number  -> number written verbatim (NUMERIC keeps its decimal text)
//	string       -> string
//	[]any        -> array of the above
package rowjson

import (
	"bytes"
	"encoding/json"
)

// Object is a JSON object that remembers key insertion order.
//
// SQL allows duplicate column names. Set on an existing key replaces the
// value but keeps the key at the position of its first insertion, so the
// last column with a given name wins.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject returns an empty Object sized for n keys.
func NewObject(n int) *Object {
	return &Object{
		keys:   make([]string, 0, n),
		values: make(map[string]any, n),
	}
}

// Set stores v under key.
func (o *Object) Set(key string, v any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// MarshalJSON writes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Array is a converted result set. A nil Array encodes as [] so an empty
// result is never null.
type Array []*Object

// MarshalJSON implements json.Marshaler.
func (a Array) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal([]*Object(a))
}
