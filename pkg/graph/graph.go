package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Layer identifies one of the four levels of the knowledge tree.
type Layer string

const (
	// LayerAttribute holds attribute value nodes attached to entities.
	LayerAttribute Layer = "attribute"
	// LayerEntity holds the entities and the relation edges between them.
	LayerEntity Layer = "relation_entity"
	// LayerKeyword holds keyword nodes linked to the entities they describe.
	LayerKeyword Layer = "keyword"
	// LayerCommunity holds the community tree built over the entity layer.
	LayerCommunity Layer = "community"
)

// ValidLayer reports whether l names a known layer.
func ValidLayer(l Layer) bool {
	switch l {
	case LayerAttribute, LayerEntity, LayerKeyword, LayerCommunity:
		return true
	}
	return false
}

// Node is a vertex in the knowledge tree. Its identity is the merge key
// (layer, label, type); upserts of the same key merge into one node.
// The layer of a node never changes after creation.
type Node struct {
	ID        string    `json:"id"`
	Layer     Layer     `json:"layer"`
	Label     string    `json:"label"`
	Type      string    `json:"type"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// NodeID derives the deterministic id for a merge key. Labels are compared
// case-insensitively, so "Messi" and "messi" are one node.
func NodeID(layer Layer, label string, typeName string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s",
		layer,
		strings.ToLower(strings.TrimSpace(label)),
		strings.ToLower(strings.TrimSpace(typeName)),
	)
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Edge is a directed, typed connection between two nodes. Multiple edges may
// exist between the same pair as long as the relation differs; an upsert of
// an existing (source, target, relation) merges instead.
//
// Chunks lists the supporting chunk ids as a sorted set. Entity-to-entity
// edges must carry at least one.
type Edge struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Relation string   `json:"relation"`
	Chunks   []string `json:"chunks,omitempty"`
	Weight   float64  `json:"weight"`
}

// EdgeKey is the merge key of an edge.
func EdgeKey(source, target, relation string) string {
	return source + "\x00" + relation + "\x00" + target
}

// Community is one node of the community tree. Members reference entity
// layer node ids; Parent is empty only for the root.
type Community struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Level   int      `json:"level"`
	Parent  string   `json:"parent,omitempty"`
	Members []string `json:"members,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// Graph is the serialized form of a dataset's knowledge tree. Version ties
// the graph to the vector index built alongside it.
type Graph struct {
	Version     string      `json:"version"`
	Nodes       []Node      `json:"nodes"`
	Edges       []Edge      `json:"edges"`
	Communities []Community `json:"communities,omitempty"`
}
