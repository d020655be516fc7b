package store

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/rowlock/internal/fingerprint"
)

// Field is a scalar attribute that takes part in an entity's checksum.
type Field struct {
	// Name is the DynamoDB attribute name.
	Name string `yaml:"name"`
}

// Schema lists an entity type's scalar attributes in declared order.
//
// Schemas are either derived from a Go type with Registry.Register, or
// declared (see LoadSchemas) for tables only seen as raw items.
type Schema struct {
	// EntityType is the entity type name (e.g., "order").
	EntityType string `yaml:"entity_type"`

	// TableName is the DynamoDB table holding the entity.
	TableName string `yaml:"table"`

	// Fields are the checksummed attributes, in declared order.
	Fields []Field `yaml:"fields"`

	goType reflect.Type
}

var (
	trackedType = reflect.TypeOf(Tracked{})
	entityType  = reflect.TypeOf((*Entity)(nil)).Elem()
)

// describe derives a schema from the struct behind e.
func describe(e Entity) (*Schema, error) {
	t := reflect.TypeOf(e)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("rowlock: entity %T is not a struct", e)
	}

	s := &Schema{
		EntityType: e.EntityType(),
		TableName:  e.TableName(),
		goType:     t,
	}
	seen := make(map[string]bool)
	collectFields(t, seen, &s.Fields)
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("rowlock: entity %T has no scalar attributes", e)
	}
	return s, nil
}

// collectFields walks t in declaration order, flattening embedded structs the
// way attributevalue does.
func collectFields(t reflect.Type, seen map[string]bool, out *[]Field) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Type == trackedType {
			continue
		}
		name, _ := parseTag(sf.Tag.Get("dynamodbav"))
		if name == "-" {
			continue
		}

		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, seen, out)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if sf.Tag.Get("rowlock") == "relation" || isRelation(sf.Type) {
			continue
		}

		if name == "" {
			name = sf.Name
		}
		if seen[name] || isManagedAttr(name) {
			continue
		}
		seen[name] = true
		*out = append(*out, Field{Name: name})
	}
}

// isRelation reports whether t refers to other entities.
func isRelation(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
		if t.Kind() == reflect.Map && t.Elem().Kind() == reflect.Interface {
			return false
		}
		return isRelation(t.Elem())
	case reflect.Struct:
		return t.Implements(entityType) || reflect.PointerTo(t).Implements(entityType)
	case reflect.Interface:
		return t.Implements(entityType)
	}
	return false
}

func parseTag(tag string) (name string, opts []string) {
	if tag == "" {
		return "", nil
	}
	parts := strings.Split(tag, ",")
	return parts[0], parts[1:]
}

// FieldNames returns the attribute names in declared order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Values returns the current values of e's scalar attributes in declared
// order. Each value is encoded exactly as it would be stored.
func (s *Schema) Values(e Entity) ([]any, error) {
	if s.goType == nil {
		return nil, fmt.Errorf("rowlock: schema %q is declared, not derived from a type", s.EntityType)
	}
	t := reflect.TypeOf(e)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != s.goType {
		return nil, fmt.Errorf("rowlock: schema %q describes %v, got %T", s.EntityType, s.goType, e)
	}

	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", s.EntityType, err)
	}
	return s.values(item), nil
}

// SnapshotValues returns the values held by snap in declared order.
func (s *Schema) SnapshotValues(snap Snapshot) []any {
	return s.values(snap.attrs)
}

func (s *Schema) values(item map[string]types.AttributeValue) []any {
	values := make([]any, len(s.Fields))
	for i, f := range s.Fields {
		values[i] = scalar(item[f.Name])
	}
	return values
}

// Fingerprint computes the checksum of e as it is in memory.
func (s *Schema) Fingerprint(e Entity) (Fingerprint, error) {
	values, err := s.Values(e)
	if err != nil {
		return 0, err
	}
	return Fingerprint(fingerprint.Sum(values)), nil
}

func (s *Schema) validate() error {
	var errs []error
	if s.EntityType == "" {
		errs = append(errs, errors.New("missing entity type"))
	}
	if s.TableName == "" {
		errs = append(errs, errors.New("missing table name"))
	}
	if len(s.Fields) == 0 {
		errs = append(errs, errors.New("no fields"))
	}
	seen := make(map[string]bool)
	for _, f := range s.Fields {
		switch {
		case f.Name == "":
			errs = append(errs, errors.New("empty field name"))
		case isManagedAttr(f.Name):
			errs = append(errs, fmt.Errorf("field %q is managed by the store", f.Name))
		case seen[f.Name]:
			errs = append(errs, fmt.Errorf("duplicate field %q", f.Name))
		}
		seen[f.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("rowlock: invalid schema %q: %w", s.EntityType, errors.Join(errs...))
	}
	return nil
}

// scalar converts a stored attribute value to the form fed to the
// fingerprint. Missing and NULL attributes both become nil; sets are sorted.
func scalar(av types.AttributeValue) any {
	switch v := av.(type) {
	case nil:
		return nil
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return fingerprint.Number(normalizeNumber(v.Value))
	case *types.AttributeValueMemberBOOL:
		return v.Value
	case *types.AttributeValueMemberB:
		return v.Value
	case *types.AttributeValueMemberSS:
		set := append([]string(nil), v.Value...)
		sort.Strings(set)
		out := make([]any, len(set))
		for i, s := range set {
			out[i] = s
		}
		return out
	case *types.AttributeValueMemberNS:
		set := make([]string, len(v.Value))
		for i, n := range v.Value {
			set[i] = normalizeNumber(n)
		}
		sort.Strings(set)
		out := make([]any, len(set))
		for i, n := range set {
			out[i] = fingerprint.Number(n)
		}
		return out
	case *types.AttributeValueMemberBS:
		set := make([]string, len(v.Value))
		for i, b := range v.Value {
			set[i] = string(b)
		}
		sort.Strings(set)
		out := make([]any, len(set))
		for i, b := range set {
			out[i] = []byte(b)
		}
		return out
	case *types.AttributeValueMemberL:
		out := make([]any, len(v.Value))
		for i, elem := range v.Value {
			out[i] = scalar(elem)
		}
		return out
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(v.Value))
		for k, elem := range v.Value {
			out[k] = scalar(elem)
		}
		return out
	}
	return fmt.Sprintf("%T", av)
}

// normalizeNumber gives every numeric literal a single text form, so "007"
// and "7", or "1.50" and "1.5", match. Integers keep their decimal form;
// other values use the exact fraction ("3/2").
func normalizeNumber(n string) string {
	n = strings.TrimSpace(n)
	r, ok := new(big.Rat).SetString(n)
	if !ok {
		return n
	}
	return r.RatString()
}
