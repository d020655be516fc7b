package store

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/rowlock/internal/fingerprint"
)

// Snapshot is a read-only view of a stored row's scalar attributes, captured
// immediately before a pending change. Attributes outside the schema
// (relationships, managed attributes) are not retained.
type Snapshot struct {
	schema *Schema
	attrs  map[string]types.AttributeValue
}

// NewSnapshot captures the schema attributes of item.
func NewSnapshot(schema *Schema, item map[string]types.AttributeValue) Snapshot {
	attrs := make(map[string]types.AttributeValue, len(schema.Fields))
	for _, f := range schema.Fields {
		if av, ok := item[f.Name]; ok {
			attrs[f.Name] = av
		}
	}
	return Snapshot{schema: schema, attrs: attrs}
}

// Schema returns the schema the snapshot was captured with.
func (s Snapshot) Schema() *Schema { return s.schema }

// Get returns the stored value of the named attribute.
func (s Snapshot) Get(name string) (types.AttributeValue, bool) {
	av, ok := s.attrs[name]
	return av, ok
}

// Keys returns the names of the attributes present, in declared order.
func (s Snapshot) Keys() []string {
	if s.schema == nil {
		return nil
	}
	keys := make([]string, 0, len(s.attrs))
	for _, f := range s.schema.Fields {
		if _, ok := s.attrs[f.Name]; ok {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// IsZero reports whether the snapshot was never captured.
func (s Snapshot) IsZero() bool { return s.schema == nil }

// Fingerprint computes the checksum of the captured row.
func (s Snapshot) Fingerprint() Fingerprint {
	if s.schema == nil {
		return 0
	}
	return Fingerprint(fingerprint.Sum(s.schema.SnapshotValues(s)))
}
