package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/arbor-rag/arbor/pkg/ai"
	"github.com/arbor-rag/arbor/pkg/logger"
)

const (
	// DefaultStructWeight balances structural against semantic similarity.
	DefaultStructWeight = 0.5
	// DefaultMergeThreshold is the minimum pair score for a merge.
	DefaultMergeThreshold = 0.55
)

// CommunityDetector groups the entity layer into communities by
// agglomerative merging. The pair score mixes structural affinity
// (normalized edge weight between the clusters) with semantic similarity
// (cosine of member embedding centroids):
//
//	score = structWeight*structural + (1-structWeight)*semantic
//
// Merging stops when no pair reaches the threshold. The result is a
// two-level tree: leaf communities partitioning the entities, under a
// single synthetic root.
type CommunityDetector struct {
	client       ai.Client
	structWeight float64
	threshold    float64
}

type DetectorParams struct {
	// Client is used for best-effort community digests. May be nil.
	Client ai.Client
	// StructWeight is used as given, clamped to [0, 1]. Zero means purely
	// semantic merging.
	StructWeight float64
	// Threshold defaults to DefaultMergeThreshold when zero.
	Threshold float64
}

func NewDetector(params DetectorParams) *CommunityDetector {
	threshold := params.Threshold
	if threshold == 0 {
		threshold = DefaultMergeThreshold
	}
	return &CommunityDetector{
		client:       params.Client,
		structWeight: math.Min(math.Max(params.StructWeight, 0), 1),
		threshold:    threshold,
	}
}

// cluster is a working community during agglomeration.
type cluster struct {
	id       string // lowest member id, used for tie-breaking
	members  map[string]struct{}
	chunks   map[string]struct{}
	centroid []float32
	weight   int // members contributing to the centroid
}

// Detect partitions the entity nodes of the store into communities and
// returns the community tree. An empty entity layer yields no communities.
func (d *CommunityDetector) Detect(ctx context.Context, store *Store) ([]Community, error) {
	entities := store.Nodes(LayerEntity)
	if len(entities) == 0 {
		return nil, nil
	}

	inLayer := map[string]struct{}{}
	chunks := map[string]map[string]struct{}{}
	for _, n := range entities {
		inLayer[n.ID] = struct{}{}
		chunks[n.ID] = map[string]struct{}{}
	}
	linkWeight := map[string]float64{}
	degree := map[string]int{}
	for _, e := range store.Edges() {
		if _, srcOK := inLayer[e.Source]; !srcOK {
			continue
		}
		if _, tgtOK := inLayer[e.Target]; !tgtOK {
			continue
		}
		linkWeight[idPair(e.Source, e.Target)] += float64(e.Weight)
		degree[e.Source]++
		degree[e.Target]++
		for _, c := range e.Chunks {
			chunks[e.Source][c] = struct{}{}
			chunks[e.Target][c] = struct{}{}
		}
	}

	clusters := make([]*cluster, 0, len(entities))
	for _, n := range entities {
		cl := &cluster{
			id:      n.ID,
			members: map[string]struct{}{n.ID: {}},
			chunks:  chunks[n.ID],
		}
		if len(n.Embedding) > 0 {
			cl.centroid = append([]float32(nil), n.Embedding...)
			cl.weight = 1
		}
		clusters = append(clusters, cl)
	}

	for len(clusters) > 1 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		bestA, bestB := d.bestPair(clusters, linkWeight)
		if bestA < 0 {
			break
		}
		clusters[bestA] = merge(clusters[bestA], clusters[bestB])
		clusters = append(clusters[:bestB], clusters[bestB+1:]...)
	}

	return d.tree(ctx, store, clusters, degree), nil
}

// candidate is the best merge partner found for one cluster row.
type candidate struct {
	j      int
	score  float64
	shared int
}

// bestPair finds the highest scoring mergeable pair. Rows are scored in
// parallel; the reduction over rows is serial and uses the same ordering,
// so the result is identical to a flat scan. Ties break on the number of
// shared supporting chunks, then on the lower pair of ids.
func (d *CommunityDetector) bestPair(clusters []*cluster, linkWeight map[string]float64) (int, int) {
	best := make([]candidate, len(clusters))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range clusters {
		g.Go(func() error {
			row := candidate{j: -1}
			for j := i + 1; j < len(clusters); j++ {
				score := d.score(clusters[i], clusters[j], linkWeight)
				if score < d.threshold {
					continue
				}
				shared := sharedCount(clusters[i].chunks, clusters[j].chunks)
				if row.j < 0 ||
					score > row.score ||
					(score == row.score && shared > row.shared) ||
					(score == row.score && shared == row.shared && pairKey(clusters[i], clusters[j]) < pairKey(clusters[i], clusters[row.j])) {
					row = candidate{j: j, score: score, shared: shared}
				}
			}
			best[i] = row
			return nil
		})
	}
	_ = g.Wait()

	bestA, bestB := -1, -1
	var bestScore float64
	var bestShared int
	for i, row := range best {
		if row.j < 0 {
			continue
		}
		if bestA < 0 ||
			row.score > bestScore ||
			(row.score == bestScore && row.shared > bestShared) ||
			(row.score == bestScore && row.shared == bestShared && pairKey(clusters[i], clusters[row.j]) < pairKey(clusters[bestA], clusters[bestB])) {
			bestA, bestB = i, row.j
			bestScore = row.score
			bestShared = row.shared
		}
	}
	return bestA, bestB
}

func (d *CommunityDetector) score(a, b *cluster, linkWeight map[string]float64) float64 {
	structural := structuralAffinity(a, b, linkWeight)
	semantic := cosine(a.centroid, b.centroid)
	return d.structWeight*structural + (1-d.structWeight)*semantic
}

// structuralAffinity is the total edge weight between the two clusters,
// normalized by the number of possible cross pairs and capped at 1 so
// heavily supported edges saturate instead of dominating.
func structuralAffinity(a, b *cluster, linkWeight map[string]float64) float64 {
	var total float64
	for m := range a.members {
		for n := range b.members {
			total += linkWeight[idPair(m, n)]
		}
	}
	density := total / float64(len(a.members)*len(b.members))
	return math.Min(density, 1)
}

func idPair(a, b string) string {
	if a < b {
		return a + "\x00" + b
	}
	return b + "\x00" + a
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sharedCount(a, b map[string]struct{}) int {
	n := 0
	for id := range a {
		if _, ok := b[id]; ok {
			n++
		}
	}
	return n
}

func pairKey(a, b *cluster) string {
	return idPair(a.id, b.id)
}

func merge(a, b *cluster) *cluster {
	out := &cluster{
		id:      a.id,
		members: a.members,
		chunks:  a.chunks,
	}
	if b.id < out.id {
		out.id = b.id
	}
	for m := range b.members {
		out.members[m] = struct{}{}
	}
	for c := range b.chunks {
		out.chunks[c] = struct{}{}
	}

	// weighted centroid of the two clusters
	switch {
	case a.weight == 0:
		out.centroid, out.weight = b.centroid, b.weight
	case b.weight == 0:
		out.centroid, out.weight = a.centroid, a.weight
	case len(a.centroid) == len(b.centroid):
		out.centroid = make([]float32, len(a.centroid))
		total := float32(a.weight + b.weight)
		for i := range out.centroid {
			out.centroid[i] = (a.centroid[i]*float32(a.weight) + b.centroid[i]*float32(b.weight)) / total
		}
		out.weight = a.weight + b.weight
	default:
		out.centroid, out.weight = a.centroid, a.weight
	}
	return out
}

// tree turns the final clusters into a two-level community tree and fills
// in digests where a model client is available.
func (d *CommunityDetector) tree(ctx context.Context, store *Store, clusters []*cluster, degree map[string]int) []Community {
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].id < clusters[j].id })

	rootID := communityID([]string{"__root__"})
	out := []Community{{ID: rootID, Label: "root", Level: 1}}

	for _, cl := range clusters {
		members := make([]string, 0, len(cl.members))
		for m := range cl.members {
			members = append(members, m)
		}
		sort.Strings(members)

		c := Community{
			ID:      communityID(members),
			Label:   clusterLabel(store, members, degree),
			Level:   0,
			Parent:  rootID,
			Members: members,
		}
		if d.client != nil && len(members) > 1 {
			c.Summary = d.summarize(ctx, store, c)
		}
		out = append(out, c)
	}
	return out
}

// clusterLabel names a community after its best connected member,
// breaking ties toward the alphabetically first label.
func clusterLabel(store *Store, members []string, degree map[string]int) string {
	best := ""
	bestDegree := -1
	for _, m := range members {
		n, ok := store.Node(m)
		if !ok {
			continue
		}
		if degree[m] > bestDegree || (degree[m] == bestDegree && n.Label < best) {
			best = n.Label
			bestDegree = degree[m]
		}
	}
	return best
}

// summarize produces a community digest. Failures only cost the digest,
// never the build.
func (d *CommunityDetector) summarize(ctx context.Context, store *Store, c Community) string {
	memberSet := map[string]struct{}{}
	var labels []string
	for _, m := range c.Members {
		memberSet[m] = struct{}{}
		if n, ok := store.Node(m); ok {
			labels = append(labels, n.Label)
		}
	}

	var relations []string
	for _, m := range c.Members {
		for _, e := range store.EdgesOf(m) {
			_, srcIn := memberSet[e.Source]
			_, tgtIn := memberSet[e.Target]
			if !srcIn || !tgtIn || e.Source != m {
				continue
			}
			src, _ := store.Node(e.Source)
			tgt, _ := store.Node(e.Target)
			relations = append(relations, fmt.Sprintf("- %s %s %s", src.Label, e.Relation, tgt.Label))
		}
	}

	prompt := fmt.Sprintf(ai.CommunitySummaryPrompt, strings.Join(labels, ", "), strings.Join(relations, "\n"))
	summary, err := d.client.GenerateCompletion(ctx, prompt, ai.WithTemperature(0.3))
	if err != nil {
		logger.Warn("failed to summarize community", "community", c.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

func communityID(members []string) string {
	h := sha256.New()
	for _, m := range members {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}
