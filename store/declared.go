package store

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadSchemas reads declared schemas from YAML and registers them.
//
//	schemas:
//	  - entity_type: order
//	    table: orders
//	    fields:
//	      - name: id
//	      - name: status
//
// Declared schemas describe rows that are only seen as raw items, such as
// stream images; field order must match the Go type's declaration order for
// checksums to agree with Registry.Register.
func (r *Registry) LoadSchemas(src io.Reader) error {
	var doc struct {
		Schemas []*Schema `yaml:"schemas"`
	}
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("rowlock: decode schemas: %w", err)
	}
	for _, s := range doc.Schemas {
		if err := r.RegisterSchema(s); err != nil {
			return err
		}
	}
	return nil
}
