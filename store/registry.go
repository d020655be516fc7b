package store

import (
	"fmt"
	"reflect"
)

// Registry holds the schemas of all known entity types.
//
// Register every entity type during startup; lookups are safe for concurrent
// use once registration is complete.
type Registry struct {
	schemas []*Schema
	byType  map[reflect.Type]*Schema
	byTable map[string]*Schema
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: []*Schema{},
		byType:  make(map[reflect.Type]*Schema),
		byTable: make(map[string]*Schema),
	}
}

// Register derives the schema of e's type by reflection and records it.
// Registering the same type again returns the existing schema.
func (r *Registry) Register(e Entity) (*Schema, error) {
	s, err := describe(e)
	if err != nil {
		return nil, err
	}
	if existing, ok := r.byType[s.goType]; ok {
		return existing, nil
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if err := r.add(s); err != nil {
		return nil, err
	}
	r.byType[s.goType] = s
	return s, nil
}

// MustRegister is like Register but panics on error.
// It is intended for init() and package-level variables.
func (r *Registry) MustRegister(e Entity) *Schema {
	s, err := r.Register(e)
	if err != nil {
		panic(err)
	}
	return s
}

// RegisterSchema records a declared schema.
func (r *Registry) RegisterSchema(s *Schema) error {
	if err := s.validate(); err != nil {
		return err
	}
	return r.add(s)
}

func (r *Registry) add(s *Schema) error {
	if existing, ok := r.byTable[s.TableName]; ok {
		return fmt.Errorf("rowlock: table %q already registered for %q", s.TableName, existing.EntityType)
	}
	r.schemas = append(r.schemas, s)
	r.byTable[s.TableName] = s
	return nil
}

// Lookup returns the schema registered for e's type.
func (r *Registry) Lookup(e Entity) (*Schema, error) {
	t := reflect.TypeOf(e)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if s, ok := r.byType[t]; ok {
		return s, nil
	}
	return nil, &ConfigurationError{EntityType: e.EntityType(), Err: ErrSchemaUnavailable}
}

// LookupTable returns the schema registered for a table.
func (r *Registry) LookupTable(table string) (*Schema, error) {
	if s, ok := r.byTable[table]; ok {
		return s, nil
	}
	return nil, &ConfigurationError{EntityType: table, Err: ErrSchemaUnavailable}
}

// Schemas returns all registered schemas in registration order.
func (r *Registry) Schemas() []*Schema {
	return r.schemas
}
