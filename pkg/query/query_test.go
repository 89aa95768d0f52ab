package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/chunk"
	"github.com/arbor-rag/arbor/pkg/graph"
	"github.com/arbor-rag/arbor/pkg/index"
	"github.com/arbor-rag/arbor/pkg/index/memory"
	"github.com/arbor-rag/arbor/pkg/schema"
)

// fakeClient replays scripted replies. Completions and schema-constrained
// replies are consumed in call order; embeddings come from a fixed map.
// Chat calls record their messages and options and draw from the same
// completion script.
type fakeClient struct {
	mu            sync.Mutex
	completions   []string
	formatReplies []string
	embeddings    map[string][]float32

	completionCalls int
	formatCalls     int
	chats           [][]ai.ChatMessage
	chatOpts        []ai.GenerateOptions
}

func (f *fakeClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completionCalls >= len(f.completions) {
		return "", errors.New("no completion scripted")
	}
	reply := f.completions[f.completionCalls]
	f.completionCalls++
	return reply, nil
}

func (f *fakeClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.formatCalls >= len(f.formatReplies) {
		return errors.New("no reply scripted")
	}
	reply := f.formatReplies[f.formatCalls]
	f.formatCalls++
	if reply == "" {
		return errors.New("malformed model reply")
	}
	return json.Unmarshal([]byte(reply), out)
}

func (f *fakeClient) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	var options ai.GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}
	f.mu.Lock()
	f.chats = append(f.chats, append([]ai.ChatMessage(nil), messages...))
	f.chatOpts = append(f.chatOpts, options)
	f.mu.Unlock()
	return f.GenerateCompletion(ctx, "")
}

func (f *fakeClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if emb, ok := f.embeddings[string(input)]; ok {
		return emb, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		emb, err := f.GenerateEmbedding(ctx, in)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func (f *fakeClient) ResetMetrics()               {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func testSchema() schema.Schema {
	return schema.Schema{
		Entities:   []string{"person", "organization"},
		Relations:  []string{"plays_for"},
		Attributes: []string{"role"},
	}
}

// testBuild assembles a small pinned build: Messi plays for Barcelona,
// with one supporting chunk and a summarized community.
func testBuild(t *testing.T) (*graph.Store, *memory.Index, []chunk.Chunk) {
	t.Helper()
	ctx := context.Background()

	s := graph.NewStore("v1")
	messi, err := s.UpsertNode(graph.Node{Layer: graph.LayerEntity, Label: "Messi", Type: "person"})
	if err != nil {
		t.Fatal(err)
	}
	barca, err := s.UpsertNode(graph.Node{Layer: graph.LayerEntity, Label: "Barcelona", Type: "organization"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(graph.Edge{Source: messi.ID, Target: barca.ID, Relation: "plays_for", Chunks: []string{"c1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCommunities([]graph.Community{
		{ID: "root", Label: "root", Level: 1},
		{ID: "leaf", Label: "Messi", Level: 0, Parent: "root", Members: []string{messi.ID, barca.ID}, Summary: "Messi and Barcelona are linked by his playing career."},
	}); err != nil {
		t.Fatal(err)
	}

	idx := memory.NewIndex("v1")
	for id, emb := range map[string][]float32{
		messi.ID: {1, 0, 0},
		barca.ID: {0.9, 0.1, 0},
	} {
		if err := idx.Add(ctx, index.KindNode, id, emb); err != nil {
			t.Fatal(err)
		}
	}
	if err := idx.Add(ctx, index.KindChunk, "c1", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	chunks := []chunk.Chunk{{ID: "c1", DocumentID: "doc", Text: "Messi plays for Barcelona."}}
	return s, idx, chunks
}

func TestDecompose(t *testing.T) {
	t.Run("valid plan", func(t *testing.T) {
		reply := `{
			"sub_queries": [
				{"question": "Which club does Messi play for?", "entity_types": ["person"], "relation_types": ["plays_for"], "attribute_types": [], "layers": ["relation_entity"], "depends_on": -1},
				{"question": "Where is that club located?", "entity_types": ["organization"], "relation_types": [], "attribute_types": [], "layers": ["bogus"], "depends_on": 0}
			]
		}`
		d := NewDecomposer(&fakeClient{formatReplies: []string{reply}}, testSchema())

		plan, err := d.Decompose(context.Background(), "Where is the club Messi plays for located?")
		if err != nil {
			t.Fatalf("Decompose() error = %v", err)
		}
		if plan.Fallback {
			t.Error("plan flagged as fallback")
		}
		if len(plan.SubQueries) != 2 {
			t.Fatalf("got %d sub-queries, want 2", len(plan.SubQueries))
		}
		if plan.SubQueries[0].DependsOn != -1 || plan.SubQueries[1].DependsOn != 0 {
			t.Errorf("dependency order wrong: %+v", plan.SubQueries)
		}
		// invalid layer names widen to all layers
		if len(plan.SubQueries[1].Layers) != 4 {
			t.Errorf("invalid layer not widened: %+v", plan.SubQueries[1].Layers)
		}
	})

	t.Run("malformed reply falls back to single sub-query", func(t *testing.T) {
		d := NewDecomposer(&fakeClient{formatReplies: []string{""}}, testSchema())

		plan, err := d.Decompose(context.Background(), "Who is Messi?")
		if err != nil {
			t.Fatalf("Decompose() error = %v", err)
		}
		if !plan.Fallback {
			t.Error("fallback plan not flagged")
		}
		if len(plan.SubQueries) != 1 || plan.SubQueries[0].Question != "Who is Messi?" {
			t.Errorf("unexpected fallback plan: %+v", plan)
		}
	})

	t.Run("forward dependency is cleared", func(t *testing.T) {
		reply := `{"sub_queries": [{"question": "q", "layers": [], "depends_on": 5}]}`
		d := NewDecomposer(&fakeClient{formatReplies: []string{reply}}, testSchema())

		plan, err := d.Decompose(context.Background(), "q")
		if err != nil {
			t.Fatal(err)
		}
		if plan.SubQueries[0].DependsOn != -1 {
			t.Errorf("dangling depends_on kept: %+v", plan.SubQueries[0])
		}
	})
}

func TestRetrieverRefusesMismatchedVersions(t *testing.T) {
	s, _, chunks := testBuild(t)
	idx := memory.NewIndex("v2")

	_, err := NewRetriever(RetrieverParams{Store: s, Index: idx, Client: &fakeClient{}, Chunks: chunks})
	var consistencyErr *graph.ConsistencyError
	if !errors.As(err, &consistencyErr) {
		t.Fatalf("error = %v, want ConsistencyError", err)
	}
}

func TestRetrieve(t *testing.T) {
	s, idx, chunks := testBuild(t)
	r, err := NewRetriever(RetrieverParams{Store: s, Index: idx, Client: &fakeClient{}, Chunks: chunks})
	if err != nil {
		t.Fatalf("NewRetriever() error = %v", err)
	}

	evidence, err := r.Retrieve(context.Background(), SubQuery{Question: "Who does Messi play for?", DependsOn: -1})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	wantTriple := "(Messi, plays_for, Barcelona)"
	found := false
	for _, triple := range evidence.Triples {
		if triple == wantTriple {
			found = true
		}
	}
	if !found {
		t.Errorf("triple %q missing: %+v", wantTriple, evidence.Triples)
	}
	if len(evidence.Passages) != 1 || evidence.Passages[0] != "Messi plays for Barcelona." {
		t.Errorf("unexpected passages: %+v", evidence.Passages)
	}
	if len(evidence.Digests) != 1 {
		t.Errorf("community digest missing: %+v", evidence.Digests)
	}
	if len(evidence.Chunks) != 1 || evidence.Chunks[0] != "c1" {
		t.Errorf("source chunk ids not recorded: %+v", evidence.Chunks)
	}

	t.Run("layer filter excludes digests", func(t *testing.T) {
		evidence, err := r.Retrieve(context.Background(), SubQuery{
			Question:  "Who does Messi play for?",
			Layers:    []graph.Layer{graph.LayerEntity},
			DependsOn: -1,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(evidence.Digests) != 0 {
			t.Errorf("digests returned despite layer filter: %+v", evidence.Digests)
		}
	})
}

func newTestLoop(t *testing.T, client *fakeClient) *Loop {
	t.Helper()
	s, idx, chunks := testBuild(t)
	r, err := NewRetriever(RetrieverParams{Store: s, Index: idx, Client: client, Chunks: chunks})
	if err != nil {
		t.Fatal(err)
	}
	loop, err := NewLoop(LoopParams{
		Decomposer: NewDecomposer(client, testSchema()),
		Retriever:  r,
		Client:     client,
	})
	if err != nil {
		t.Fatal(err)
	}
	return loop
}

func TestLoopAnswersInOneRound(t *testing.T) {
	client := &fakeClient{
		formatReplies: []string{""}, // decomposition falls back
		completions: []string{
			"The triples show the club directly. So the answer is: Barcelona",
		},
	}
	loop := newTestLoop(t, client)

	answer, err := loop.Answer(context.Background(), "Who does Messi play for?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Text != "Barcelona" {
		t.Errorf("answer = %q, want Barcelona", answer.Text)
	}
	if answer.Escalated {
		t.Error("answer flagged as escalated")
	}
	if answer.Trace.Final != StateDone {
		t.Errorf("final state = %q, want DONE", answer.Trace.Final)
	}
	if len(answer.Trace.Steps) != 1 || answer.Trace.Steps[0].State != StateDone {
		t.Errorf("unexpected trace: %+v", answer.Trace.Steps)
	}
}

func TestLoopFollowsUpThenAnswers(t *testing.T) {
	client := &fakeClient{
		formatReplies: []string{""},
		completions: []string{
			"The club is clear but not the city. The new query is: Where is Barcelona located?",
			"Now everything is known. So the answer is: In Barcelona, Spain",
		},
	}
	loop := newTestLoop(t, client)

	answer, err := loop.Answer(context.Background(), "Where is the club Messi plays for located?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Text != "In Barcelona, Spain" {
		t.Errorf("answer = %q", answer.Text)
	}
	if len(answer.Trace.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(answer.Trace.Steps))
	}
	followUp := answer.Trace.Steps[1].Queries
	if len(followUp) != 1 || !strings.Contains(followUp[0], "Where is Barcelona located?") {
		t.Errorf("second round did not run the follow-up query: %+v", followUp)
	}

	// the second reasoning round carries the first round's thought as
	// conversation history
	if len(client.chats) != 2 {
		t.Fatalf("got %d chat calls, want 2", len(client.chats))
	}
	second := client.chats[1]
	if len(second) != 3 {
		t.Fatalf("second chat has %d messages, want 3: %+v", len(second), second)
	}
	if second[1].Role != "assistant" || second[1].Message != answer.Trace.Steps[0].Thought {
		t.Errorf("prior thought not carried as assistant turn: %+v", second[1])
	}
	if second[2].Role != "user" || second[2].Message != ai.ReasonContinuePrompt {
		t.Errorf("continuation turn missing: %+v", second[2])
	}
	for _, opts := range client.chatOpts {
		if len(opts.SystemPrompts) != 1 || opts.SystemPrompts[0] != ai.ReasonSystemPrompt {
			t.Errorf("reasoning system prompt not set: %+v", opts.SystemPrompts)
		}
	}
}

func TestLoopDefersDependentSubQueries(t *testing.T) {
	plan := `{
		"sub_queries": [
			{"question": "Which club does Messi play for?", "entity_types": [], "relation_types": [], "attribute_types": [], "layers": [], "depends_on": -1},
			{"question": "Where is that club located?", "entity_types": [], "relation_types": [], "attribute_types": [], "layers": [], "depends_on": 0}
		]
	}`
	client := &fakeClient{
		formatReplies: []string{plan},
		completions: []string{
			"The club is known, its location still needs its own lookup.",
			"Both parts are resolved now. So the answer is: Barcelona, Spain",
		},
	}
	loop := newTestLoop(t, client)

	answer, err := loop.Answer(context.Background(), "Where is the club Messi plays for located?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if len(answer.Trace.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(answer.Trace.Steps))
	}
	first := answer.Trace.Steps[0].Queries
	if len(first) != 1 || first[0] != "Which club does Messi play for?" {
		t.Errorf("round 1 must run only the independent sub-query, got %+v", first)
	}
	second := answer.Trace.Steps[1].Queries
	if len(second) != 1 || second[0] != "Where is that club located?" {
		t.Errorf("dependent sub-query must wait for round 2, got %+v", second)
	}
}

// TestLoopAnswersFromFreshBuild runs the whole pipeline end to end: build
// a dataset from two documents, decompose a question whose second
// sub-query depends on the first, and answer it over two retrieval
// rounds. The trace must cite the source chunks of both documents.
func TestLoopAnswersFromFreshBuild(t *testing.T) {
	ctx := context.Background()

	extraction1 := `{
		"entities": [
			{"name": "Messi", "type": "person", "attributes": [{"type": "year", "value": "2000"}], "keywords": []},
			{"name": "Barcelona", "type": "organization", "attributes": [], "keywords": []}
		],
		"relations": [{"source": "Messi", "relation": "plays_for", "target": "Barcelona"}],
		"proposed_types": []
	}`
	extraction2 := `{
		"entities": [
			{"name": "Barcelona", "type": "organization", "attributes": [], "keywords": []},
			{"name": "Spain", "type": "location", "attributes": [], "keywords": []}
		],
		"relations": [{"source": "Barcelona", "relation": "located_in", "target": "Spain"}],
		"proposed_types": []
	}`
	plan := `{
		"sub_queries": [
			{"question": "Which club is located in Spain?", "entity_types": ["organization", "location"], "relation_types": ["located_in"], "attribute_types": [], "layers": ["relation_entity"], "depends_on": -1},
			{"question": "When did Messi join Barcelona?", "entity_types": ["person"], "relation_types": ["plays_for"], "attribute_types": ["year"], "layers": ["attribute", "relation_entity"], "depends_on": 0}
		]
	}`
	client := &fakeClient{
		formatReplies: []string{extraction1, extraction2, plan},
		completions: []string{
			"Messi, Barcelona and Spain form one football cluster.",
			"Barcelona is the club in Spain, the joining year still needs its own lookup.",
			"The attribute gives the year directly. So the answer is: 2000",
		},
	}

	chunker, err := chunk.NewChunker(chunk.ChunkerParams{Encoder: "o200k_base", MaxTokens: 128})
	if err != nil {
		t.Fatal(err)
	}
	builder, err := graph.NewBuilder(graph.BuilderParams{
		Client:  client,
		Chunker: chunker,
		Schema: schema.Schema{
			Entities:   []string{"person", "organization", "location"},
			Relations:  []string{"plays_for", "located_in"},
			Attributes: []string{"year"},
		},
		NewIndex: func(version string) (index.Index, error) {
			return memory.NewIndex(version), nil
		},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := builder.Build(ctx, "football", []graph.Document{
		{ID: "doc-1", Text: "Messi joined Barcelona in 2000."},
		{ID: "doc-2", Text: "Barcelona is a football club in Spain."},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(result.Chunks))
	}

	retriever, err := NewRetriever(RetrieverParams{
		Store:  result.Store,
		Index:  result.Index,
		Client: client,
		Chunks: result.Chunks,
	})
	if err != nil {
		t.Fatalf("NewRetriever() error = %v", err)
	}
	loop, err := NewLoop(LoopParams{
		Decomposer: NewDecomposer(client, result.Schema),
		Retriever:  retriever,
		Client:     client,
	})
	if err != nil {
		t.Fatal(err)
	}

	answer, err := loop.Answer(ctx, "When did Messi join the club located in Spain?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Text != "2000" {
		t.Errorf("answer = %q, want 2000", answer.Text)
	}
	if answer.Trace.Final != StateDone {
		t.Errorf("final state = %q, want DONE", answer.Trace.Final)
	}
	if len(answer.Trace.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(answer.Trace.Steps))
	}
	if qs := answer.Trace.Steps[0].Queries; len(qs) != 1 || qs[0] != "Which club is located in Spain?" {
		t.Errorf("round 1 queries = %+v", qs)
	}
	if qs := answer.Trace.Steps[1].Queries; len(qs) != 1 || qs[0] != "When did Messi join Barcelona?" {
		t.Errorf("round 2 queries = %+v", qs)
	}

	cited := map[string]bool{}
	for _, step := range answer.Trace.Steps {
		for _, id := range step.Evidence.Chunks {
			cited[id] = true
		}
	}
	for _, c := range result.Chunks {
		if !cited[c.ID] {
			t.Errorf("trace does not cite source chunk %s of %s", c.ID, c.DocumentID)
		}
	}
}

func TestLoopEscalatesAfterBudget(t *testing.T) {
	client := &fakeClient{
		formatReplies: []string{""},
		completions: []string{
			"Still unclear. The new query is: first follow-up",
			"Still unclear. The new query is: second follow-up",
			"Still unclear. The new query is: third follow-up",
			"Probably Barcelona, based on the single triple.",
		},
	}
	loop := newTestLoop(t, client)

	answer, err := loop.Answer(context.Background(), "Who does Messi play for?")
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("error = %v, want ErrNotConverged", err)
	}
	if !answer.Escalated {
		t.Error("answer not flagged as escalated")
	}
	if answer.Trace.Final != StateEscalate {
		t.Errorf("final state = %q, want ESCALATE", answer.Trace.Final)
	}
	if answer.Text == "" {
		t.Error("escalated answer is empty")
	}
	if len(answer.Trace.Steps) != DefaultMaxSteps {
		t.Errorf("got %d steps, want %d", len(answer.Trace.Steps), DefaultMaxSteps)
	}
}
