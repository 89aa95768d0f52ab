package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/graph"
	"github.com/arbor-rag/arbor/pkg/logger"
	"github.com/arbor-rag/arbor/pkg/schema"
)

type plannedSubQuery struct {
	Question       string   `json:"question" jsonschema_description:"A self-contained sub-question without dangling pronouns."`
	EntityTypes    []string `json:"entity_types" jsonschema_description:"Schema entity types this sub-question touches."`
	RelationTypes  []string `json:"relation_types" jsonschema_description:"Schema relation types this sub-question touches."`
	AttributeTypes []string `json:"attribute_types" jsonschema_description:"Schema attribute types this sub-question touches."`
	Layers         []string `json:"layers" jsonschema_description:"Graph layers to search: attribute, relation_entity, keyword, community."`
	DependsOn      int      `json:"depends_on" jsonschema_description:"Index of the sub-question that must resolve first, or -1."`
}

type plannedDecomposition struct {
	SubQueries []plannedSubQuery `json:"sub_queries" jsonschema_description:"The minimal set of sub-questions answering the question."`
}

// Decomposer turns a question into a retrieval plan aligned with the
// dataset schema.
type Decomposer struct {
	client ai.Client
	schema schema.Schema
}

func NewDecomposer(client ai.Client, s schema.Schema) *Decomposer {
	return &Decomposer{client: client, schema: s}
}

// Decompose plans the question. When the model reply cannot be used, the
// question itself becomes a single sub-query over all layers, so a bad
// plan never blocks an answer.
func (d *Decomposer) Decompose(ctx context.Context, question string) (Plan, error) {
	if ctx.Err() != nil {
		return Plan{}, ctx.Err()
	}

	prompt := fmt.Sprintf(
		ai.DecomposePrompt,
		question,
		strings.Join(d.schema.Entities, ", "),
		strings.Join(d.schema.Relations, ", "),
		strings.Join(d.schema.Attributes, ", "),
	)

	var raw plannedDecomposition
	err := d.client.GenerateCompletionWithFormat(
		ctx,
		"decomposition",
		"A question broken into schema-aligned sub-questions.",
		prompt,
		&raw,
		ai.WithTemperature(0.1),
	)
	if err != nil || len(raw.SubQueries) == 0 {
		if ctx.Err() != nil {
			return Plan{}, ctx.Err()
		}
		logger.Warn("falling back to single sub-query plan", "question", question, "error", err)
		return fallbackPlan(question), nil
	}

	plan := Plan{Question: question}
	for i, sq := range raw.SubQueries {
		dependsOn := sq.DependsOn
		if dependsOn < 0 || dependsOn >= i {
			dependsOn = -1
		}
		plan.SubQueries = append(plan.SubQueries, SubQuery{
			Question:       strings.TrimSpace(sq.Question),
			EntityTypes:    sq.EntityTypes,
			RelationTypes:  sq.RelationTypes,
			AttributeTypes: sq.AttributeTypes,
			Layers:         parseLayers(sq.Layers),
			DependsOn:      dependsOn,
		})
	}
	return plan, nil
}

func fallbackPlan(question string) Plan {
	return Plan{
		Question: question,
		SubQueries: []SubQuery{{
			Question:  question,
			Layers:    allLayers(),
			DependsOn: -1,
		}},
		Fallback: true,
	}
}

func allLayers() []graph.Layer {
	return []graph.Layer{graph.LayerAttribute, graph.LayerEntity, graph.LayerKeyword, graph.LayerCommunity}
}

// parseLayers keeps only valid layer names; an empty or fully invalid
// list widens to all layers.
func parseLayers(names []string) []graph.Layer {
	var layers []graph.Layer
	for _, name := range names {
		l := graph.Layer(strings.ToLower(strings.TrimSpace(name)))
		if graph.ValidLayer(l) {
			layers = append(layers, l)
		}
	}
	if len(layers) == 0 {
		return allLayers()
	}
	return layers
}
