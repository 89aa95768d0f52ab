package memory

import (
	"context"
	"reflect"
	"testing"

	"github.com/arbor-rag/arbor/pkg/index"
)

func TestIndexSearch(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex("v1")

	add := func(id string, emb []float32) {
		t.Helper()
		if err := idx.Add(ctx, index.KindNode, id, emb); err != nil {
			t.Fatal(err)
		}
	}
	add("north", []float32{0, 1})
	add("east", []float32{1, 0})
	add("northeast", []float32{1, 1})

	t.Run("orders by similarity", func(t *testing.T) {
		hits, err := idx.Search(ctx, index.KindNode, []float32{0, 1}, 10, -1)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		var ids []string
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
		want := []string{"north", "northeast", "east"}
		if !reflect.DeepEqual(ids, want) {
			t.Errorf("hit order = %v, want %v", ids, want)
		}
	})

	t.Run("threshold filters", func(t *testing.T) {
		hits, err := idx.Search(ctx, index.KindNode, []float32{0, 1}, 10, 0.5)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 2 {
			t.Errorf("got %d hits above threshold, want 2: %+v", len(hits), hits)
		}
	})

	t.Run("limit truncates", func(t *testing.T) {
		hits, err := idx.Search(ctx, index.KindNode, []float32{0, 1}, 1, -1)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].ID != "north" {
			t.Errorf("got %+v, want the single best hit", hits)
		}
	})

	t.Run("equal scores break ties by id", func(t *testing.T) {
		hits, err := idx.Search(ctx, index.KindNode, []float32{1, 1}, 10, 0.99)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].ID != "northeast" {
			t.Errorf("got %+v", hits)
		}

		// two ids with identical vectors must come back in id order
		add("aaa", []float32{-1, 0})
		add("bbb", []float32{-1, 0})
		hits, err = idx.Search(ctx, index.KindNode, []float32{-1, 0}, 10, 0.99)
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
		if !reflect.DeepEqual(ids, []string{"aaa", "bbb"}) {
			t.Errorf("tie break order = %v", ids)
		}
	})

	t.Run("kinds are separate", func(t *testing.T) {
		hits, err := idx.Search(ctx, index.KindChunk, []float32{0, 1}, 10, -1)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 0 {
			t.Errorf("chunk side should be empty, got %+v", hits)
		}
	})
}

func TestIndexAddReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex("v1")

	if err := idx.Add(ctx, index.KindChunk, "c1", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, index.KindChunk, "c1", []float32{0, 1}); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(ctx, index.KindChunk, []float32{0, 1}, 10, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "c1" {
		t.Errorf("replaced embedding not searchable: %+v", hits)
	}
}

func TestIndexSerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex("v7")
	if err := idx.Add(ctx, index.KindNode, "n1", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, index.KindChunk, "c1", []float32{0, 1}); err != nil {
		t.Fatal(err)
	}

	data, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Version() != "v7" {
		t.Errorf("version = %q, want v7", loaded.Version())
	}
	for _, kind := range []index.Kind{index.KindNode, index.KindChunk} {
		a, _ := idx.Search(ctx, kind, []float32{1, 1}, 10, -1)
		b, _ := loaded.Search(ctx, kind, []float32{1, 1}, 10, -1)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("round trip changed %s results: %+v vs %+v", kind, a, b)
		}
	}
}

func TestIndexAddValidation(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex("v1")

	if err := idx.Add(ctx, index.KindNode, "", []float32{1}); err == nil {
		t.Error("expected error for empty id")
	}
	if err := idx.Add(ctx, index.KindNode, "n1", nil); err == nil {
		t.Error("expected error for empty embedding")
	}
}
