package graph

import (
	"context"
	"reflect"
	"sort"
	"testing"
)

// clusterStore builds two structural clusters, A-B-C and D-E, whose
// embeddings cut across the structure: A and D point one way, B, C and E
// the other.
func clusterStore(t *testing.T) (*Store, map[string]string) {
	t.Helper()
	s := NewStore("v1")

	embeddings := map[string][]float32{
		"A": {1, 0},
		"B": {0, 1},
		"C": {0, 1},
		"D": {1, 0},
		"E": {0, 1},
	}

	ids := map[string]string{}
	for label, emb := range embeddings {
		n, err := s.UpsertNode(Node{Layer: LayerEntity, Label: label, Type: "person", Embedding: emb})
		if err != nil {
			t.Fatal(err)
		}
		ids[label] = n.ID
	}

	link := func(a, b string) {
		t.Helper()
		err := s.UpsertEdge(Edge{Source: ids[a], Target: ids[b], Relation: "knows", Chunks: []string{"c-" + a + b}})
		if err != nil {
			t.Fatal(err)
		}
	}
	link("A", "B")
	link("B", "C")
	link("A", "C")
	link("D", "E")

	return s, ids
}

// leaves returns the leaf communities as sorted label sets.
func leaves(t *testing.T, s *Store, cs []Community) [][]string {
	t.Helper()
	var out [][]string
	for _, c := range cs {
		if c.Level != 0 {
			continue
		}
		var labels []string
		for _, m := range c.Members {
			n, ok := s.Node(m)
			if !ok {
				t.Fatalf("community member %s not in store", m)
			}
			labels = append(labels, n.Label)
		}
		sort.Strings(labels)
		out = append(out, labels)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func TestDetectStructural(t *testing.T) {
	s, _ := clusterStore(t)
	detector := NewDetector(DetectorParams{StructWeight: 1.0, Threshold: 0.6})

	cs, err := detector.Detect(context.Background(), s)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	want := [][]string{{"A", "B", "C"}, {"D", "E"}}
	if got := leaves(t, s, cs); !reflect.DeepEqual(got, want) {
		t.Errorf("structural clustering = %v, want %v", got, want)
	}
	if err := s.SetCommunities(cs); err != nil {
		t.Errorf("detected tree violates the partition invariant: %v", err)
	}
}

func TestDetectSemantic(t *testing.T) {
	s, _ := clusterStore(t)
	detector := NewDetector(DetectorParams{StructWeight: 0.0, Threshold: 0.9})

	cs, err := detector.Detect(context.Background(), s)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	// with structure ignored, the embedding directions win
	want := [][]string{{"A", "D"}, {"B", "C", "E"}}
	if got := leaves(t, s, cs); !reflect.DeepEqual(got, want) {
		t.Errorf("semantic clustering = %v, want %v", got, want)
	}
}

func TestDetectTreeShape(t *testing.T) {
	s, _ := clusterStore(t)
	detector := NewDetector(DetectorParams{StructWeight: 1.0, Threshold: 0.6})

	cs, err := detector.Detect(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}

	roots := 0
	for _, c := range cs {
		if c.Parent == "" {
			roots++
			if c.Level != 1 {
				t.Errorf("root has level %d, want 1", c.Level)
			}
		}
	}
	if roots != 1 {
		t.Errorf("got %d roots, want 1", roots)
	}
}

func TestDetectSingletons(t *testing.T) {
	s := NewStore("v1")
	for _, label := range []string{"X", "Y"} {
		if _, err := s.UpsertNode(Node{Layer: LayerEntity, Label: label, Type: "person"}); err != nil {
			t.Fatal(err)
		}
	}

	detector := NewDetector(DetectorParams{StructWeight: 1.0, Threshold: 0.6})
	cs, err := detector.Detect(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}

	// disconnected entities stay singleton leaves under the root
	want := [][]string{{"X"}, {"Y"}}
	if got := leaves(t, s, cs); !reflect.DeepEqual(got, want) {
		t.Errorf("singleton clustering = %v, want %v", got, want)
	}
	if err := s.SetCommunities(cs); err != nil {
		t.Errorf("singleton tree rejected: %v", err)
	}
}

func TestDetectEmptyGraph(t *testing.T) {
	s := NewStore("v1")
	detector := NewDetector(DetectorParams{})

	cs, err := detector.Detect(context.Background(), s)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if cs != nil {
		t.Errorf("got %+v, want no communities", cs)
	}
}

func TestDetectDeterminism(t *testing.T) {
	detector := NewDetector(DetectorParams{StructWeight: 0.5, Threshold: 0.5})

	run := func() []Community {
		s, _ := clusterStore(t)
		cs, err := detector.Detect(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		return cs
	}

	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Errorf("detection is not deterministic:\n%+v\n%+v", a, b)
	}
}
