package graph

import (
	"reflect"
	"sync"
	"testing"
)

func entity(label string) Node {
	return Node{Layer: LayerEntity, Label: label, Type: "person"}
}

func TestStoreUpsertNode(t *testing.T) {
	t.Run("rejects unknown layer", func(t *testing.T) {
		s := NewStore("v1")
		if _, err := s.UpsertNode(Node{Layer: "bogus", Label: "x"}); err == nil {
			t.Error("expected error for unknown layer")
		}
	})

	t.Run("same key merges into one node", func(t *testing.T) {
		s := NewStore("v1")
		a, err := s.UpsertNode(entity("Messi"))
		if err != nil {
			t.Fatalf("UpsertNode() error = %v", err)
		}
		b, err := s.UpsertNode(entity("messi"))
		if err != nil {
			t.Fatalf("UpsertNode() error = %v", err)
		}
		if a.ID != b.ID {
			t.Errorf("case variants produced different nodes: %s vs %s", a.ID, b.ID)
		}
		if got := len(s.Nodes()); got != 1 {
			t.Errorf("got %d nodes, want 1", got)
		}
	})

	t.Run("merge fills missing embedding", func(t *testing.T) {
		s := NewStore("v1")
		if _, err := s.UpsertNode(entity("Messi")); err != nil {
			t.Fatal(err)
		}
		withEmb := entity("Messi")
		withEmb.Embedding = []float32{0.1, 0.2}
		merged, err := s.UpsertNode(withEmb)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(merged.Embedding, []float32{0.1, 0.2}) {
			t.Errorf("embedding not merged: %+v", merged)
		}
	})
}

func TestStoreUpsertEdge(t *testing.T) {
	s := NewStore("v1")
	src, _ := s.UpsertNode(entity("Messi"))
	tgt, _ := s.UpsertNode(entity("Barcelona"))

	t.Run("requires existing endpoints", func(t *testing.T) {
		err := s.UpsertEdge(Edge{Source: src.ID, Target: "missing", Relation: "plays_for", Chunks: []string{"c1"}})
		if err == nil {
			t.Error("expected error for missing endpoint")
		}
	})

	t.Run("entity edge requires supporting chunks", func(t *testing.T) {
		err := s.UpsertEdge(Edge{Source: src.ID, Target: tgt.ID, Relation: "plays_for"})
		if err == nil {
			t.Error("expected error for relation edge without chunks")
		}
	})

	t.Run("merge unions chunks and adds weight", func(t *testing.T) {
		if err := s.UpsertEdge(Edge{Source: src.ID, Target: tgt.ID, Relation: "plays_for", Chunks: []string{"c2", "c1"}}); err != nil {
			t.Fatal(err)
		}
		if err := s.UpsertEdge(Edge{Source: src.ID, Target: tgt.ID, Relation: "plays_for", Chunks: []string{"c1", "c3"}}); err != nil {
			t.Fatal(err)
		}
		edges := s.Edges()
		if len(edges) != 1 {
			t.Fatalf("got %d edges, want 1", len(edges))
		}
		if !reflect.DeepEqual(edges[0].Chunks, []string{"c1", "c2", "c3"}) {
			t.Errorf("chunks not a sorted union: %v", edges[0].Chunks)
		}
		if edges[0].Weight != 2 {
			t.Errorf("weight = %v, want 2", edges[0].Weight)
		}
	})

	t.Run("different relation is a separate edge", func(t *testing.T) {
		if err := s.UpsertEdge(Edge{Source: src.ID, Target: tgt.ID, Relation: "captain_of", Chunks: []string{"c1"}}); err != nil {
			t.Fatal(err)
		}
		if got := len(s.Edges()); got != 2 {
			t.Errorf("got %d edges, want 2", got)
		}
	})
}

func TestStoreConcurrentUpserts(t *testing.T) {
	s := NewStore("v1")

	const workers = 16
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if _, err := s.UpsertNode(entity("Shared")); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := len(s.Nodes()); got != 1 {
		t.Errorf("concurrent upserts of one key produced %d nodes, want 1", got)
	}

	src, _ := s.UpsertNode(entity("A"))
	tgt, _ := s.UpsertNode(entity("B"))

	wg = sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			chunk := []string{string(rune('a' + id%8))}
			if err := s.UpsertEdge(Edge{Source: src.ID, Target: tgt.ID, Relation: "knows", Chunks: chunk}); err != nil {
				t.Error(err)
			}
		}(w)
	}
	wg.Wait()

	edges := s.EdgesOf(src.ID)
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(edges))
	}
	if edges[0].Weight != workers {
		t.Errorf("weight = %v, want %d", edges[0].Weight, workers)
	}
	if len(edges[0].Chunks) != 8 {
		t.Errorf("got %d distinct chunks, want 8", len(edges[0].Chunks))
	}
}

func TestStoreNeighbors(t *testing.T) {
	s := NewStore("v1")
	a, _ := s.UpsertNode(entity("A"))
	b, _ := s.UpsertNode(entity("B"))
	c, _ := s.UpsertNode(entity("C"))
	kw, _ := s.UpsertNode(Node{Layer: LayerKeyword, Label: "football", Type: "keyword"})

	mustEdge := func(e Edge) {
		t.Helper()
		if err := s.UpsertEdge(e); err != nil {
			t.Fatal(err)
		}
	}
	mustEdge(Edge{Source: a.ID, Target: b.ID, Relation: "knows", Chunks: []string{"c1"}})
	mustEdge(Edge{Source: b.ID, Target: c.ID, Relation: "knows", Chunks: []string{"c1"}})
	mustEdge(Edge{Source: kw.ID, Target: a.ID, Relation: "describes"})

	t.Run("one hop", func(t *testing.T) {
		got := s.Neighbors(a.ID, nil, 1)
		if len(got) != 2 {
			t.Fatalf("got %d neighbors, want 2", len(got))
		}
	})

	t.Run("two hops reach transitive nodes", func(t *testing.T) {
		got := s.Neighbors(a.ID, nil, 2)
		if len(got) != 3 {
			t.Fatalf("got %d neighbors, want 3", len(got))
		}
	})

	t.Run("layer filter", func(t *testing.T) {
		got := s.Neighbors(a.ID, []Layer{LayerKeyword}, 2)
		if len(got) != 1 || got[0].ID != kw.ID {
			t.Errorf("keyword filter returned %+v", got)
		}
	})

	t.Run("unknown node yields nothing", func(t *testing.T) {
		if got := s.Neighbors("missing", nil, 2); got != nil {
			t.Errorf("got %+v, want nil", got)
		}
	})
}

func TestStoreSubgraph(t *testing.T) {
	s := NewStore("v1")
	a, _ := s.UpsertNode(entity("A"))
	b, _ := s.UpsertNode(entity("B"))
	kw, _ := s.UpsertNode(Node{Layer: LayerKeyword, Label: "football", Type: "keyword"})

	if err := s.UpsertEdge(Edge{Source: a.ID, Target: b.ID, Relation: "knows", Chunks: []string{"c1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(Edge{Source: kw.ID, Target: a.ID, Relation: "describes"}); err != nil {
		t.Fatal(err)
	}

	g := s.Subgraph(func(n Node) bool { return n.Layer == LayerEntity })
	if len(g.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(g.Nodes))
	}
	for _, n := range g.Nodes {
		if n.Layer != LayerEntity {
			t.Errorf("non-entity node %s leaked into the subgraph", n.ID)
		}
	}
	// the keyword edge loses an endpoint and must be dropped
	if len(g.Edges) != 1 || g.Edges[0].Relation != "knows" {
		t.Errorf("got edges %+v, want only the knows edge", g.Edges)
	}
	if g.Version != s.Version() {
		t.Errorf("subgraph version %s, want %s", g.Version, s.Version())
	}
}

func TestStoreSetCommunities(t *testing.T) {
	build := func() (*Store, Node, Node, Node) {
		s := NewStore("v1")
		a, _ := s.UpsertNode(entity("A"))
		b, _ := s.UpsertNode(entity("B"))
		c, _ := s.UpsertNode(entity("C"))
		return s, a, b, c
	}

	t.Run("accepts a valid partition", func(t *testing.T) {
		s, a, b, c := build()
		cs := []Community{
			{ID: "root", Label: "root", Level: 1},
			{ID: "c1", Label: "left", Level: 0, Parent: "root", Members: []string{a.ID, b.ID}},
			{ID: "c2", Label: "right", Level: 0, Parent: "root", Members: []string{c.ID}},
		}
		if err := s.SetCommunities(cs); err != nil {
			t.Fatalf("SetCommunities() error = %v", err)
		}
		if got := len(s.Nodes(LayerCommunity)); got != 3 {
			t.Errorf("got %d community nodes, want 3", got)
		}
		leaf, ok := s.CommunityOf(a.ID)
		if !ok || leaf.ID != "c1" {
			t.Errorf("CommunityOf(a) = %+v, %v", leaf, ok)
		}
	})

	t.Run("rejects uncovered entities", func(t *testing.T) {
		s, a, _, _ := build()
		cs := []Community{
			{ID: "root", Label: "root", Level: 1},
			{ID: "c1", Label: "only", Level: 0, Parent: "root", Members: []string{a.ID}},
		}
		if err := s.SetCommunities(cs); err == nil {
			t.Error("expected error for entities outside every leaf community")
		}
	})

	t.Run("rejects double membership", func(t *testing.T) {
		s, a, b, c := build()
		cs := []Community{
			{ID: "root", Label: "root", Level: 1},
			{ID: "c1", Label: "left", Level: 0, Parent: "root", Members: []string{a.ID, b.ID}},
			{ID: "c2", Label: "right", Level: 0, Parent: "root", Members: []string{b.ID, c.ID}},
		}
		if err := s.SetCommunities(cs); err == nil {
			t.Error("expected error for entity in two leaf communities")
		}
	})

	t.Run("rejects missing parent", func(t *testing.T) {
		s, a, b, c := build()
		cs := []Community{
			{ID: "c1", Label: "all", Level: 0, Parent: "ghost", Members: []string{a.ID, b.ID, c.ID}},
		}
		if err := s.SetCommunities(cs); err == nil {
			t.Error("expected error for missing parent")
		}
	})
}

func TestStoreSerializeRoundTrip(t *testing.T) {
	s := NewStore("v42")
	a, _ := s.UpsertNode(entity("A"))
	b, _ := s.UpsertNode(entity("B"))
	if err := s.UpsertEdge(Edge{Source: a.ID, Target: b.ID, Relation: "knows", Chunks: []string{"c1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCommunities([]Community{
		{ID: "root", Label: "root", Level: 0, Members: []string{a.ID, b.ID}},
	}); err != nil {
		t.Fatal(err)
	}

	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Version() != "v42" {
		t.Errorf("version = %q, want v42", loaded.Version())
	}
	if !reflect.DeepEqual(loaded.Snapshot(), s.Snapshot()) {
		t.Errorf("round trip changed the graph:\n%+v\n%+v", loaded.Snapshot(), s.Snapshot())
	}
}
