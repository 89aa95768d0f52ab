package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/chunk"
	"github.com/arbor-rag/arbor/pkg/schema"
)

type extractedAttribute struct {
	Type  string `json:"type" jsonschema_description:"One of the provided attribute types."`
	Value string `json:"value" jsonschema_description:"The attribute value as written in the text."`
}

type extractedEntity struct {
	Name       string               `json:"name" jsonschema_description:"The entity name exactly as it appears in the text."`
	Type       string               `json:"type" jsonschema_description:"One of the provided entity types."`
	Attributes []extractedAttribute `json:"attributes" jsonschema_description:"Attributes of this entity found in the text."`
	Keywords   []string             `json:"keywords" jsonschema_description:"Short lowercased keywords characterizing this entity."`
}

type extractedRelation struct {
	Source   string `json:"source" jsonschema_description:"Name of the source entity, must appear in the entity list."`
	Relation string `json:"relation" jsonschema_description:"One of the provided relation types."`
	Target   string `json:"target" jsonschema_description:"Name of the target entity, must appear in the entity list."`
}

type proposedType struct {
	Kind string `json:"kind" jsonschema_description:"What is being proposed: entity, relation or attribute."`
	Type string `json:"type" jsonschema_description:"The proposed type name, lowercased."`
}

type extraction struct {
	Entities      []extractedEntity   `json:"entities" jsonschema_description:"All entities explicitly mentioned in the text."`
	Relations     []extractedRelation `json:"relations" jsonschema_description:"All relations between extracted entities."`
	ProposedTypes []proposedType      `json:"proposed_types" jsonschema_description:"Types missing from the schema that the text genuinely requires."`
}

// RelationHasAttribute links an entity to one of its attribute nodes.
const RelationHasAttribute = "has_attribute"

// RelationDescribes links a keyword node to the entity it characterizes.
const RelationDescribes = "describes"

// Fragment is the graph contribution of a single chunk: nodes across the
// attribute, entity and keyword layers plus the edges between them. Items
// the schema rejected are reported as warnings instead of nodes.
type Fragment struct {
	ChunkID  string
	Nodes    []Node
	Edges    []Edge
	Warnings []string
}

// Extractor turns chunks into graph fragments with a schema-constrained
// model call. Unknown types are proposed to the registry; a type used by
// enough distinct chunks is promoted and from then on accepted.
type Extractor struct {
	client   ai.Client
	registry *schema.Registry
	maxTries int
}

type ExtractorParams struct {
	Client   ai.Client
	Registry *schema.Registry
	MaxTries int
}

func NewExtractor(params ExtractorParams) *Extractor {
	maxTries := params.MaxTries
	if maxTries <= 0 {
		maxTries = 2
	}
	return &Extractor{
		client:   params.Client,
		registry: params.Registry,
		maxTries: maxTries,
	}
}

// Extract runs the extraction model over one chunk and validates the reply
// against the current schema. A reply that stays unparseable after the
// retry budget yields a ParseError; the caller drops the fragment and
// moves on.
func (e *Extractor) Extract(ctx context.Context, c chunk.Chunk) (Fragment, error) {
	current := e.registry.Schema()
	prompt := fmt.Sprintf(
		ai.ExtractPrompt,
		strings.Join(current.Entities, ", "),
		strings.Join(current.Relations, ", "),
		strings.Join(current.Attributes, ", "),
		c.Text,
	)

	var raw extraction
	var err error
	for attempt := 0; attempt < e.maxTries; attempt++ {
		if ctx.Err() != nil {
			return Fragment{}, ctx.Err()
		}
		attemptPrompt := prompt
		if attempt > 0 {
			attemptPrompt = prompt + "\n" + ai.ExtractRetryPrompt
		}
		err = e.client.GenerateCompletionWithFormat(
			ctx,
			"extraction",
			"Entities, relations, attributes and keywords extracted from a text chunk.",
			attemptPrompt,
			&raw,
			ai.WithTemperature(0.1),
		)
		if err == nil {
			break
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Fragment{}, ctx.Err()
		}
		return Fragment{}, &ParseError{ChunkID: c.ID, Err: err}
	}

	return e.fragment(c, raw), nil
}

// allow reports whether a type may be used, proposing it first when it is
// unknown. A proposal that reaches the promotion threshold extends the
// schema and is accepted immediately.
func (e *Extractor) allow(kind schema.Kind, typeName string, chunkID string) bool {
	if e.registry.Contains(kind, typeName) {
		return true
	}
	return e.registry.Propose(kind, typeName, chunkID)
}

func (e *Extractor) fragment(c chunk.Chunk, raw extraction) Fragment {
	f := Fragment{ChunkID: c.ID}

	for _, p := range raw.ProposedTypes {
		var kind schema.Kind
		switch strings.ToLower(strings.TrimSpace(p.Kind)) {
		case "entity":
			kind = schema.KindEntity
		case "relation":
			kind = schema.KindRelation
		case "attribute":
			kind = schema.KindAttribute
		default:
			f.Warnings = append(f.Warnings, fmt.Sprintf("proposal with unknown kind %q dropped", p.Kind))
			continue
		}
		e.registry.Propose(kind, p.Type, c.ID)
	}

	entityIDs := map[string]string{}
	seenNodes := map[string]struct{}{}
	addNode := func(n Node) string {
		n.ID = NodeID(n.Layer, n.Label, n.Type)
		if _, ok := seenNodes[n.ID]; !ok {
			seenNodes[n.ID] = struct{}{}
			f.Nodes = append(f.Nodes, n)
		}
		return n.ID
	}

	for _, ent := range raw.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		if !e.allow(schema.KindEntity, ent.Type, c.ID) {
			violation := &schema.Violation{Kind: schema.KindEntity, Type: ent.Type}
			f.Warnings = append(f.Warnings, fmt.Sprintf("entity %q dropped: %s", name, violation))
			continue
		}

		entityID := addNode(Node{Layer: LayerEntity, Label: name, Type: ent.Type})
		entityIDs[strings.ToLower(name)] = entityID

		for _, attr := range ent.Attributes {
			value := strings.TrimSpace(attr.Value)
			if value == "" {
				continue
			}
			if !e.allow(schema.KindAttribute, attr.Type, c.ID) {
				violation := &schema.Violation{Kind: schema.KindAttribute, Type: attr.Type}
				f.Warnings = append(f.Warnings, fmt.Sprintf("attribute %q of %q dropped: %s", value, name, violation))
				continue
			}
			attrID := addNode(Node{Layer: LayerAttribute, Label: value, Type: attr.Type})
			f.Edges = append(f.Edges, Edge{
				Source:   entityID,
				Target:   attrID,
				Relation: RelationHasAttribute,
				Chunks:   []string{c.ID},
			})
		}

		for _, kw := range ent.Keywords {
			word := strings.ToLower(strings.TrimSpace(kw))
			if word == "" {
				continue
			}
			kwID := addNode(Node{Layer: LayerKeyword, Label: word, Type: "keyword"})
			f.Edges = append(f.Edges, Edge{
				Source:   kwID,
				Target:   entityID,
				Relation: RelationDescribes,
				Chunks:   []string{c.ID},
			})
		}
	}

	for _, rel := range raw.Relations {
		srcID, srcOK := entityIDs[strings.ToLower(strings.TrimSpace(rel.Source))]
		tgtID, tgtOK := entityIDs[strings.ToLower(strings.TrimSpace(rel.Target))]
		if !srcOK || !tgtOK {
			f.Warnings = append(f.Warnings, fmt.Sprintf("relation %q -> %q dropped, endpoint not extracted", rel.Source, rel.Target))
			continue
		}
		if !e.allow(schema.KindRelation, rel.Relation, c.ID) {
			violation := &schema.Violation{Kind: schema.KindRelation, Type: rel.Relation}
			f.Warnings = append(f.Warnings, fmt.Sprintf("relation between %q and %q dropped: %s", rel.Source, rel.Target, violation))
			continue
		}
		f.Edges = append(f.Edges, Edge{
			Source:   srcID,
			Target:   tgtID,
			Relation: strings.ToLower(strings.TrimSpace(rel.Relation)),
			Chunks:   []string{c.ID},
		})
	}

	return f
}
