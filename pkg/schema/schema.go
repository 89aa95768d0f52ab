package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Schema constrains what the extractor may produce: the allowed entity
// types, relation types and attribute types for a dataset.
//
// The JSON form uses the keys "Nodes", "Relations" and "Attributes".
type Schema struct {
	Entities   []string `json:"Nodes"`
	Relations  []string `json:"Relations"`
	Attributes []string `json:"Attributes"`
}

// Kind distinguishes the three type namespaces of a schema.
type Kind string

const (
	KindEntity    Kind = "entity"
	KindRelation  Kind = "relation"
	KindAttribute Kind = "attribute"
)

// Violation reports a reference to a type outside the schema. Fragments
// carrying a violation are dropped, not failed.
type Violation struct {
	Kind Kind
	Type string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("schema violation: unknown %s type %q", v.Kind, v.Type)
}

var ErrEmpty = errors.New("schema has no entity types")

// Parse decodes a schema from JSON and validates it.
func Parse(data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s.normalized(), nil
}

// Default returns a small general-purpose schema used when a dataset does
// not ship its own.
func Default() Schema {
	return Schema{
		Entities: []string{
			"person", "organization", "location", "event", "creative_work",
			"product", "concept",
		},
		Relations: []string{
			"related_to", "part_of", "located_in", "member_of", "created_by",
			"participated_in", "happened_on",
		},
		Attributes: []string{
			"name", "date", "role", "description", "quantity",
		},
	}
}

// Validate reports whether the schema can drive an extraction run. A schema
// without entity types cannot.
func (s Schema) Validate() error {
	if len(s.Entities) == 0 {
		return ErrEmpty
	}
	return nil
}

// HasEntity reports whether the entity type is part of the schema.
func (s Schema) HasEntity(t string) bool {
	return slices.Contains(s.Entities, normalize(t))
}

// HasRelation reports whether the relation type is part of the schema.
func (s Schema) HasRelation(t string) bool {
	return slices.Contains(s.Relations, normalize(t))
}

// HasAttribute reports whether the attribute type is part of the schema.
func (s Schema) HasAttribute(t string) bool {
	return slices.Contains(s.Attributes, normalize(t))
}

// Clone returns a deep copy.
func (s Schema) Clone() Schema {
	return Schema{
		Entities:   slices.Clone(s.Entities),
		Relations:  slices.Clone(s.Relations),
		Attributes: slices.Clone(s.Attributes),
	}
}

func (s Schema) normalized() Schema {
	out := Schema{
		Entities:   make([]string, 0, len(s.Entities)),
		Relations:  make([]string, 0, len(s.Relations)),
		Attributes: make([]string, 0, len(s.Attributes)),
	}
	for _, t := range s.Entities {
		if n := normalize(t); n != "" && !slices.Contains(out.Entities, n) {
			out.Entities = append(out.Entities, n)
		}
	}
	for _, t := range s.Relations {
		if n := normalize(t); n != "" && !slices.Contains(out.Relations, n) {
			out.Relations = append(out.Relations, n)
		}
	}
	for _, t := range s.Attributes {
		if n := normalize(t); n != "" && !slices.Contains(out.Attributes, n) {
			out.Attributes = append(out.Attributes, n)
		}
	}
	return out
}

func normalize(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
