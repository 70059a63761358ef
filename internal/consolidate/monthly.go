package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/memory-pipeline/internal/embedding"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/text"
)

// minClusterSize is the smallest cluster worth promoting to a node.
const minClusterSize = 3

// RunMonthly synthesises knowledge nodes from the calendar month containing
// ref: record vectors are clustered greedily, clusters clearing the
// coherence gate become nodes keyed by topic, and node pairs clearing the
// edge threshold are linked. Returns the promoted nodes.
func (e *Engine) RunMonthly(ctx context.Context, ref time.Time) ([]model.KnowledgeNode, error) {
	start, end := monthBounds(ref, e.store.Location())

	vectors, err := e.store.VectorsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("monthly: load vectors: %w", err)
	}
	if len(vectors) < minClusterSize {
		return nil, nil
	}

	clusters := clusterVectors(vectors, e.policy.ClusterCoherence)

	var nodes []model.KnowledgeNode
	var centroids []embedding.Vector
	for _, c := range clusters {
		if len(c.members) < minClusterSize {
			continue
		}
		coherence := c.coherence(vectors)
		if coherence < e.policy.ClusterCoherence {
			continue
		}
		node, err := e.promoteCluster(ctx, c, coherence)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
		centroids = append(centroids, c.centroid)
	}

	if err := e.linkNodes(ctx, nodes, centroids); err != nil {
		return nil, err
	}

	e.logger.Info("monthly synthesis complete",
		"month", start.Format("2006-01"), "vectors", len(vectors),
		"clusters", len(clusters), "nodes", len(nodes))
	return nodes, nil
}

func monthBounds(ref time.Time, loc *time.Location) (time.Time, time.Time) {
	day := ref.In(loc)
	start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// cluster accumulates members around a running mean centroid.
type cluster struct {
	members  []string
	centroid embedding.Vector
}

func (c *cluster) add(id string, vec embedding.Vector) {
	c.members = append(c.members, id)
	if c.centroid == nil {
		c.centroid = append(embedding.Vector(nil), vec...)
		return
	}
	n := float32(len(c.members))
	for i := range c.centroid {
		if i < len(vec) {
			c.centroid[i] += (vec[i] - c.centroid[i]) / n
		}
	}
}

// coherence is the mean member-to-centroid similarity.
func (c *cluster) coherence(vectors map[string]embedding.Vector) float64 {
	if len(c.members) == 0 {
		return 0
	}
	var sum float64
	for _, id := range c.members {
		sum += embedding.CosineSimilarity(c.centroid, vectors[id])
	}
	return sum / float64(len(c.members))
}

// clusterVectors greedily assigns each vector to its best-matching cluster,
// or starts a new one below the threshold. Ids are visited in sorted order
// so repeated runs over the same data produce the same clusters.
func clusterVectors(vectors map[string]embedding.Vector, threshold float64) []*cluster {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var clusters []*cluster
	for _, id := range ids {
		vec := vectors[id]
		var best *cluster
		bestScore := threshold
		for _, c := range clusters {
			if score := embedding.CosineSimilarity(c.centroid, vec); score >= bestScore {
				best, bestScore = c, score
			}
		}
		if best == nil {
			best = &cluster{}
			clusters = append(clusters, best)
		}
		best.add(id, vec)
	}
	return clusters
}

// promoteCluster turns a coherent cluster into a knowledge node keyed by
// its dominant topic.
func (e *Engine) promoteCluster(ctx context.Context, c *cluster, coherence float64) (*model.KnowledgeNode, error) {
	var recs []model.MemoryRecord
	for _, id := range c.members {
		rec, err := e.store.GetRecord(ctx, id)
		if err != nil {
			continue
		}
		recs = append(recs, *rec)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("monthly: cluster has no loadable records")
	}

	topic := text.TopTheme(rawTexts(recs), "general")
	node := &model.KnowledgeNode{
		Topic:           topic,
		Insights:        clusterInsights(recs),
		Decisions:       clusterDecisions(recs),
		Questions:       clusterQuestions(recs),
		SourceMemoryIDs: recordIDs(recs),
		Confidence:      coherence,
	}
	fallback := fmt.Sprintf("%d related thoughts about %s.", len(recs), topic)
	node.Summary = e.narrate(ctx, clusterPrompt(topic, recs), fallback)

	if err := e.store.UpsertNode(ctx, node); err != nil {
		return nil, fmt.Errorf("monthly: upsert node %q: %w", topic, err)
	}
	return node, nil
}

func clusterInsights(recs []model.MemoryRecord) []string {
	var out []string
	for _, r := range recs {
		if r.Extracted == nil {
			continue
		}
		for _, idea := range r.Extracted.Ideas {
			out = append(out, idea.Idea)
		}
	}
	return out
}

func clusterDecisions(recs []model.MemoryRecord) []string {
	var out []string
	for _, d := range collectDecisions(recs) {
		out = append(out, d.Decision)
	}
	return out
}

func clusterQuestions(recs []model.MemoryRecord) []string {
	var out []string
	for _, r := range recs {
		if r.Extracted == nil {
			continue
		}
		for _, q := range r.Extracted.Questions {
			out = append(out, q.Question)
		}
	}
	return out
}

func clusterPrompt(topic string, recs []model.MemoryRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarise what these notes say about %q in one or two sentences:\n", topic)
	for _, r := range recs {
		fmt.Fprintf(&sb, "- %s\n", summaryOrText(r))
	}
	return sb.String()
}

// linkNodes creates edges between promoted nodes whose centroid similarity
// clears the edge threshold, in both directions.
func (e *Engine) linkNodes(ctx context.Context, nodes []model.KnowledgeNode, centroids []embedding.Vector) error {
	if len(nodes) < 2 {
		return nil
	}
	outgoing := make(map[string][]model.KnowledgeEdge)
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			strength := embedding.CosineSimilarity(centroids[i], centroids[j])
			if strength < e.policy.EdgeThreshold {
				continue
			}
			rel := relationship(strength)
			outgoing[nodes[i].ID] = append(outgoing[nodes[i].ID],
				model.KnowledgeEdge{FromID: nodes[i].ID, ToID: nodes[j].ID, Relationship: rel, Strength: strength})
			outgoing[nodes[j].ID] = append(outgoing[nodes[j].ID],
				model.KnowledgeEdge{FromID: nodes[j].ID, ToID: nodes[i].ID, Relationship: rel, Strength: strength})
		}
	}
	for _, n := range nodes {
		if err := e.store.ReplaceEdges(ctx, n.ID, outgoing[n.ID]); err != nil {
			return fmt.Errorf("monthly: replace edges for %q: %w", n.Topic, err)
		}
	}
	return nil
}

func relationship(strength float64) string {
	switch {
	case strength >= 0.7:
		return "strong_topic"
	case strength >= 0.5:
		return "related_topic"
	default:
		return "weak"
	}
}
