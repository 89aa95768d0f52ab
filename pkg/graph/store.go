package graph

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// storeStripes is the number of lock stripes used to serialize merges on
// the same key without ever taking a whole-graph lock.
const storeStripes = 64

// Store is the in-memory labeled multigraph for one dataset build.
//
// Concurrent upserts are safe: writers hash their merge key onto a lock
// stripe, so upserts to different keys proceed in parallel while upserts to
// the same key are serialized and merge deterministically.
type Store struct {
	version string

	stripes [storeStripes]sync.Mutex

	mu          sync.RWMutex
	nodes       map[string]*Node
	edges       map[string]*Edge
	adjacency   map[string][]string
	communities []Community
}

// NewStore creates an empty store for the given build version.
func NewStore(version string) *Store {
	return &Store{
		version:   version,
		nodes:     map[string]*Node{},
		edges:     map[string]*Edge{},
		adjacency: map[string][]string{},
	}
}

// Version returns the build version this store belongs to.
func (s *Store) Version() string {
	return s.version
}

func (s *Store) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.stripes[h.Sum32()%storeStripes]
}

// UpsertNode inserts the node or merges it into an existing node with the
// same (layer, label, type) key. Merging never changes the layer; a non-nil
// embedding on the incoming node replaces a missing one.
func (s *Store) UpsertNode(n Node) (Node, error) {
	if !ValidLayer(n.Layer) {
		return Node{}, fmt.Errorf("unknown layer %q", n.Layer)
	}
	if n.Label == "" {
		return Node{}, fmt.Errorf("node label is empty")
	}
	if n.ID == "" {
		n.ID = NodeID(n.Layer, n.Label, n.Type)
	}

	lock := s.stripe(n.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing := s.nodes[n.ID]
	s.mu.RUnlock()

	if existing == nil {
		stored := n
		s.mu.Lock()
		s.nodes[n.ID] = &stored
		s.mu.Unlock()
		return stored, nil
	}

	if existing.Layer != n.Layer {
		return Node{}, fmt.Errorf("node %s already exists in layer %q", n.ID, existing.Layer)
	}
	if len(existing.Embedding) == 0 && len(n.Embedding) > 0 {
		existing.Embedding = n.Embedding
	}
	return *existing, nil
}

// UpsertEdge inserts the edge or merges it into an existing edge with the
// same (source, target, relation) key: the supporting chunk sets are
// unioned and the weights added. Both endpoints must already exist, and an
// edge between two entity nodes must carry at least one supporting chunk.
func (s *Store) UpsertEdge(e Edge) error {
	if e.Relation == "" {
		return fmt.Errorf("edge relation is empty")
	}

	s.mu.RLock()
	src := s.nodes[e.Source]
	tgt := s.nodes[e.Target]
	s.mu.RUnlock()

	if src == nil || tgt == nil {
		return fmt.Errorf("edge %s endpoints must exist before the edge", EdgeKey(e.Source, e.Target, e.Relation))
	}
	if src.Layer == LayerEntity && tgt.Layer == LayerEntity && len(e.Chunks) == 0 {
		return fmt.Errorf("relation edge %s has no supporting chunks", EdgeKey(e.Source, e.Target, e.Relation))
	}
	if e.Weight == 0 {
		e.Weight = 1
	}

	key := EdgeKey(e.Source, e.Target, e.Relation)
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing := s.edges[key]
	s.mu.RUnlock()

	if existing == nil {
		stored := e
		stored.Chunks = sortedSet(e.Chunks)
		s.mu.Lock()
		s.edges[key] = &stored
		s.adjacency[e.Source] = append(s.adjacency[e.Source], key)
		s.adjacency[e.Target] = append(s.adjacency[e.Target], key)
		s.mu.Unlock()
		return nil
	}

	existing.Chunks = sortedSet(append(existing.Chunks, e.Chunks...))
	existing.Weight += e.Weight
	return nil
}

// Node returns the node with the given id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.nodes[id]
	if n == nil {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns all nodes, optionally filtered to the given layers, sorted
// by id.
func (s *Store) Nodes(layers ...Layer) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Node
	for _, n := range s.nodes {
		if len(layers) > 0 && !containsLayer(layers, n.Layer) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all edges sorted by key.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	sortEdges(out)
	return out
}

// EdgesOf returns the edges touching the node, sorted by key.
func (s *Store) EdgesOf(id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.adjacency[id]
	out := make([]Edge, 0, len(keys))
	seen := map[string]struct{}{}
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if e := s.edges[k]; e != nil {
			out = append(out, *e)
		}
	}
	sortEdges(out)
	return out
}

// defaultHopLimit bounds traversal when the caller does not.
const defaultHopLimit = 2

// Neighbors walks the graph from the given node up to hops steps (default
// and maximum sensible value is 2) and returns the visited nodes, excluding
// the start node, optionally filtered by layer. Results are sorted by id.
func (s *Store) Neighbors(id string, layers []Layer, hops int) []Node {
	if hops <= 0 {
		hops = defaultHopLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.nodes[id] == nil {
		return nil
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}

	for step := 0; step < hops; step++ {
		var next []string
		for _, cur := range frontier {
			for _, k := range s.adjacency[cur] {
				e := s.edges[k]
				if e == nil {
					continue
				}
				for _, other := range []string{e.Source, e.Target} {
					if !visited[other] {
						visited[other] = true
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}

	var out []Node
	for nid := range visited {
		if nid == id {
			continue
		}
		n := s.nodes[nid]
		if n == nil {
			continue
		}
		if len(layers) > 0 && !containsLayer(layers, n.Layer) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subgraph returns the nodes matching the predicate plus the edges whose
// endpoints both survive, as a detached copy. Communities are not carried
// over; a subgraph is a view, not a buildable dataset.
func (s *Store) Subgraph(pred func(Node) bool) Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := Graph{Version: s.version}
	kept := map[string]struct{}{}
	for _, n := range s.nodes {
		if !pred(*n) {
			continue
		}
		kept[n.ID] = struct{}{}
		g.Nodes = append(g.Nodes, *n)
	}
	for _, e := range s.edges {
		if _, ok := kept[e.Source]; !ok {
			continue
		}
		if _, ok := kept[e.Target]; !ok {
			continue
		}
		g.Edges = append(g.Edges, *e)
	}

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sortEdges(g.Edges)
	return g
}

// SetCommunities replaces the community tree. It validates the tree shape
// and the partition invariant: leaf communities must cover every entity
// node exactly once. Community nodes are added to the community layer.
func (s *Store) SetCommunities(cs []Community) error {
	byID := map[string]*Community{}
	for i := range cs {
		byID[cs[i].ID] = &cs[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	covered := map[string]string{}
	roots := 0
	for _, c := range cs {
		if c.Parent == "" {
			roots++
		} else if byID[c.Parent] == nil {
			return fmt.Errorf("community %s references missing parent %s", c.ID, c.Parent)
		}
		if c.Level == 0 {
			for _, m := range c.Members {
				n := s.nodes[m]
				if n == nil || n.Layer != LayerEntity {
					return fmt.Errorf("community %s member %s is not an entity node", c.ID, m)
				}
				if prev, ok := covered[m]; ok {
					return fmt.Errorf("entity %s belongs to communities %s and %s", m, prev, c.ID)
				}
				covered[m] = c.ID
			}
		}
	}
	if len(cs) > 0 && roots != 1 {
		return fmt.Errorf("community tree must have exactly one root, got %d", roots)
	}
	for id, n := range s.nodes {
		if n.Layer == LayerEntity {
			if _, ok := covered[id]; !ok && len(cs) > 0 {
				return fmt.Errorf("entity %s is not covered by any leaf community", id)
			}
		}
	}

	// drop community nodes from a previous detection run
	for id, n := range s.nodes {
		if n.Layer == LayerCommunity {
			delete(s.nodes, id)
		}
	}
	for _, c := range cs {
		node := Node{ID: c.ID, Layer: LayerCommunity, Label: c.Label, Type: "community"}
		s.nodes[node.ID] = &node
	}

	s.communities = make([]Community, len(cs))
	copy(s.communities, cs)
	return nil
}

// Communities returns the community tree sorted by id.
func (s *Store) Communities() []Community {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Community, len(s.communities))
	copy(out, s.communities)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CommunityOf returns the leaf community containing the entity node.
func (s *Store) CommunityOf(entityID string) (Community, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.communities {
		if c.Level != 0 {
			continue
		}
		for _, m := range c.Members {
			if m == entityID {
				return c, true
			}
		}
	}
	return Community{}, false
}

// Snapshot returns a deep, deterministically ordered copy of the graph,
// pinned to the store's version. Retrieval runs operate on snapshots so a
// concurrent rebuild cannot shift the ground under them.
func (s *Store) Snapshot() Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := Graph{Version: s.version}
	for _, n := range s.nodes {
		g.Nodes = append(g.Nodes, *n)
	}
	for _, e := range s.edges {
		copied := *e
		copied.Chunks = append([]string(nil), e.Chunks...)
		g.Edges = append(g.Edges, copied)
	}
	g.Communities = make([]Community, len(s.communities))
	copy(g.Communities, s.communities)

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sortEdges(g.Edges)
	sort.Slice(g.Communities, func(i, j int) bool { return g.Communities[i].ID < g.Communities[j].ID })
	return g
}

// Serialize encodes the snapshot as JSON.
func (s *Store) Serialize() ([]byte, error) {
	return json.MarshalIndent(s.Snapshot(), "", "  ")
}

// Load rebuilds a store from a serialized graph.
func Load(data []byte) (*Store, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}

	s := NewStore(g.Version)
	for _, n := range g.Nodes {
		if n.Layer == LayerCommunity {
			continue
		}
		if _, err := s.UpsertNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range g.Edges {
		if err := s.UpsertEdge(e); err != nil {
			return nil, err
		}
	}
	if len(g.Communities) > 0 {
		if err := s.SetCommunities(g.Communities); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func containsLayer(layers []Layer, l Layer) bool {
	for _, x := range layers {
		if x == l {
			return true
		}
	}
	return false
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		return EdgeKey(edges[i].Source, edges[i].Target, edges[i].Relation) <
			EdgeKey(edges[j].Source, edges[j].Target, edges[j].Relation)
	})
}

func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
