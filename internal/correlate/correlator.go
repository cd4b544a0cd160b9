package correlate

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"threatlens/internal/metrics"
	"threatlens/internal/model"
)

// CampaignThreshold is the number of distinct shared indicators a document
// pair needs before the overlap counts as a campaign signal rather than
// incidental reuse (a common CDN IP, a shared hosting domain).
const CampaignThreshold = 3

// Snapshot is the read-only view of the indicator store a correlation run
// operates on. The correlator never mutates indicator data.
type Snapshot interface {
	// IndicatorsInWindow returns indicators whose documents were published
	// inside [start, end].
	IndicatorsInWindow(start, end time.Time) ([]model.ExtractedIndicator, error)
}

// Correlator builds the shared-indicator document graph for a time window
// and partitions it into clusters. Each run recomputes from scratch; no
// incremental state survives between runs.
type Correlator struct {
	mu       sync.Mutex
	snapshot Snapshot
}

// NewCorrelator wraps a store snapshot source.
func NewCorrelator(snapshot Snapshot) *Correlator {
	return &Correlator{snapshot: snapshot}
}

// Correlate runs one batch pass. Runs are serialized: a second call blocks
// until the first finishes, so overlapping windows never race.
func (c *Correlator) Correlate(start, end time.Time) (*model.ClusterSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	indicators, err := c.snapshot.IndicatorsInWindow(start, end)
	if err != nil {
		metrics.CorrelationRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("correlation snapshot: %w", err)
	}

	set := buildClusters(indicators, start, end)
	metrics.CorrelationRuns.WithLabelValues("ok").Inc()
	return set, nil
}

func buildClusters(indicators []model.ExtractedIndicator, start, end time.Time) *model.ClusterSet {
	// value key -> documents carrying it; reviewer-flagged false positives
	// are excluded so corrections take effect on the next run
	byValue := make(map[string]map[string]bool)
	refOf := make(map[string]model.IndicatorRef)
	for _, ind := range indicators {
		if ind.FalsePositive {
			continue
		}
		key := string(ind.Type) + "|" + strings.ToLower(ind.Value)
		if byValue[key] == nil {
			byValue[key] = make(map[string]bool)
		}
		byValue[key][ind.DocumentID] = true
		refOf[key] = model.IndicatorRef{Type: ind.Type, Value: ind.Value}
	}

	// shared indicator counts per unordered document pair
	uf := newUnionFind()
	pairShared := make(map[[2]string]map[string]bool)
	for key, docs := range byValue {
		if len(docs) < 2 {
			continue
		}
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				uf.union(ids[i], ids[j])
				pair := [2]string{ids[i], ids[j]}
				if pairShared[pair] == nil {
					pairShared[pair] = make(map[string]bool)
				}
				pairShared[pair][key] = true
			}
		}
	}

	// connected components over every shared-indicator edge
	componentDocs := make(map[string][]string)
	for _, doc := range uf.members() {
		root := uf.find(doc)
		componentDocs[root] = append(componentDocs[root], doc)
	}

	// campaign partition: union only pairs at or above the threshold
	campaignUF := newUnionFind()
	for pair, keys := range pairShared {
		if len(keys) >= CampaignThreshold {
			campaignUF.union(pair[0], pair[1])
		}
	}
	campaignDocs := make(map[string][]string)
	for _, doc := range campaignUF.members() {
		root := campaignUF.find(doc)
		campaignDocs[root] = append(campaignDocs[root], doc)
	}

	set := &model.ClusterSet{
		WindowStart: start,
		WindowEnd:   end,
		ComputedAt:  time.Now().UTC(),
	}

	for _, docs := range componentDocs {
		if len(docs) < 2 {
			continue
		}
		sort.Strings(docs)
		set.Clusters = append(set.Clusters, model.CorrelationCluster{
			ID:               clusterID("component", docs),
			DocumentIDs:      docs,
			SharedIndicators: sharedRefs(docs, byValue, refOf),
			WindowStart:      start,
			WindowEnd:        end,
		})
	}
	for _, docs := range campaignDocs {
		if len(docs) < 2 {
			continue
		}
		sort.Strings(docs)
		set.Clusters = append(set.Clusters, model.CorrelationCluster{
			ID:               clusterID("campaign", docs),
			DocumentIDs:      docs,
			SharedIndicators: sharedRefs(docs, byValue, refOf),
			Campaign:         true,
			WindowStart:      start,
			WindowEnd:        end,
		})
	}

	sort.Slice(set.Clusters, func(i, j int) bool {
		return set.Clusters[i].ID < set.Clusters[j].ID
	})
	return set
}

// sharedRefs lists indicators carried by at least two documents of the cluster.
func sharedRefs(docs []string, byValue map[string]map[string]bool, refOf map[string]model.IndicatorRef) []model.IndicatorRef {
	inCluster := make(map[string]bool, len(docs))
	for _, d := range docs {
		inCluster[d] = true
	}
	var refs []model.IndicatorRef
	var keys []string
	for key, holders := range byValue {
		n := 0
		for d := range holders {
			if inCluster[d] {
				n++
			}
		}
		if n >= 2 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		refs = append(refs, refOf[key])
	}
	return refs
}

// clusterID is deterministic over the member set so repeated runs over the
// same data name clusters identically.
func clusterID(kind string, docs []string) string {
	sum := sha256.Sum256([]byte(kind + ":" + strings.Join(docs, "|")))
	return fmt.Sprintf("C-%s-%x", kind, sum[:6])
}

// minimal union-find over string keys
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	p, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	if p == x {
		return x
	}
	root := u.find(p)
	u.parent[x] = root
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

func (u *unionFind) members() []string {
	out := make([]string, 0, len(u.parent))
	for k := range u.parent {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
