package neo4j

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// fakeDB is an in-memory runner that understands the handful of query
// shapes the store issues. Filters are evaluated from the parameters the
// filter builder emits.
type fakeDB struct {
	mu      sync.Mutex
	nodes   []map[string]any
	indexes map[string]bool
	queries []string

	// createErr is returned by the next CREATE INDEX statement.
	createErr error
	// failAll makes every query fail.
	failAll error
}

func newFakeDB() *fakeDB {
	return &fakeDB{indexes: map[string]bool{}}
}

func (f *fakeDB) run(ctx context.Context, cypher string, params map[string]any, write bool) ([]*neo4j.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, cypher)

	if f.failAll != nil {
		return nil, f.failAll
	}

	switch {
	case strings.HasPrefix(cypher, "SHOW INDEXES"):
		var out []*neo4j.Record
		for _, name := range params["names"].([]string) {
			if f.indexes[name] {
				out = append(out, row([]string{"name"}, name))
			}
		}
		return out, nil

	case strings.HasPrefix(cypher, "CREATE VECTOR INDEX"), strings.HasPrefix(cypher, "CREATE INDEX"):
		name := strings.Fields(cypher)[2]
		if strings.HasPrefix(cypher, "CREATE VECTOR") {
			name = strings.Fields(cypher)[3]
		}
		if f.createErr != nil {
			err := f.createErr
			f.createErr = nil
			return nil, err
		}
		f.indexes[name] = true
		return nil, nil

	case strings.HasPrefix(cypher, "CREATE ("):
		props := params["props"].(map[string]any)
		f.nodes = append(f.nodes, props)
		return nil, nil

	case strings.Contains(cypher, "DETACH DELETE"):
		var kept []map[string]any
		var deleted int64
		for _, n := range f.nodes {
			if matches(n, params) {
				deleted++
				continue
			}
			kept = append(kept, n)
		}
		f.nodes = kept
		return []*neo4j.Record{row([]string{"deleted"}, deleted)}, nil

	case strings.Contains(cypher, "score"):
		query := params["embedding"].([]float64)
		minScore := params["minScore"].(float64)
		limit := int(params["limit"].(int64))

		type scored struct {
			node  map[string]any
			score float64
		}
		var hits []scored
		for _, n := range f.nodes {
			if !matches(n, params) {
				continue
			}
			score := (1 + cosine(query, n["embedding"].([]float64))) / 2
			if score >= minScore {
				hits = append(hits, scored{n, score})
			}
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
		if len(hits) > limit {
			hits = hits[:limit]
		}
		out := make([]*neo4j.Record, 0, len(hits))
		for _, h := range hits {
			out = append(out, row([]string{"memory", "score"}, project(h.node), h.score))
		}
		return out, nil

	case strings.HasPrefix(cypher, "MATCH"):
		var out []*neo4j.Record
		for _, n := range f.nodes {
			if matches(n, params) {
				out = append(out, row([]string{"memory"}, project(n)))
			}
		}
		return out, nil
	}
	return nil, errors.New("fake: unsupported query: " + cypher)
}

func (f *fakeDB) close(context.Context) error { return nil }

func (f *fakeDB) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.HasPrefix(q, prefix) {
			n++
		}
	}
	return n
}

func matches(n map[string]any, params map[string]any) bool {
	if v, ok := params[paramUserID]; ok && n["userId"] != v {
		return false
	}
	if v, ok := params[paramType]; ok && n["type"] != v {
		return false
	}
	if v, ok := params[paramBefore]; ok && n["timestamp"].(int64) >= v.(int64) {
		return false
	}
	return true
}

// project mimics the map projection: every property except the embedding.
func project(n map[string]any) map[string]any {
	out := make(map[string]any, len(n))
	for k, v := range n {
		if k != "embedding" {
			out[k] = v
		}
	}
	return out
}

func row(keys []string, values ...any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
