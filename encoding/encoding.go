// Package encoding provides the marshaling seam used for every persisted metadata
// artifact: state markers, redundancy descriptors and file associations.
package encoding

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// Global Default marshaller.
var DefaultMarshaler = NewMarshaler()

type defaultMarshaler struct{}

// Returns the default marshaller which uses the golang's json package.
// Json keeps the persisted metadata human readable, which matters when an operator
// is inspecting a half-written state marker after a crash.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decodes a byte array back to its Object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
