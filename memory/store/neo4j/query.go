package neo4j

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-memory/memory"
)

// Parameter names shared by every filtered query.
const (
	paramUserID = "userId"
	paramType   = "type"
	paramBefore = "before"
)

// filter is a conjunctive equality filter over memory nodes.
type filter struct {
	UserID string
	Type   memory.Type
	Before int64
}

// build renders the WHERE clause (without the keyword) and its parameters.
// An empty filter renders "".
func (f filter) build() (string, map[string]any) {
	var conds []string
	params := map[string]any{}
	if f.UserID != "" {
		conds = append(conds, "m.userId = $"+paramUserID)
		params[paramUserID] = f.UserID
	}
	if f.Type != "" {
		conds = append(conds, "m.type = $"+paramType)
		params[paramType] = string(f.Type)
	}
	if f.Before > 0 {
		conds = append(conds, "m.timestamp < $"+paramBefore)
		params[paramBefore] = f.Before
	}
	return strings.Join(conds, " AND "), params
}

func where(clause string) string {
	if clause == "" {
		return ""
	}
	return " WHERE " + clause
}

// queries holds the Cypher for one label/index pair.
type queries struct {
	label string
	index string
}

const projection = "m {.id, .type, .content, .userId, .timestamp, .threadId, .category, .amount, .confidence, .source, .extra} AS memory"

func (q queries) showIndexes() string {
	return "SHOW INDEXES YIELD name WHERE name IN $names RETURN name"
}

func (q queries) createVectorIndex(dims int) string {
	return fmt.Sprintf(
		"CREATE VECTOR INDEX %s FOR (m:%s) ON (m.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
		q.index, q.label, dims)
}

func (q queries) propertyIndexName() string {
	return q.index + "_user_type"
}

func (q queries) createPropertyIndex() string {
	return fmt.Sprintf("CREATE INDEX %s FOR (m:%s) ON (m.userId, m.type)", q.propertyIndexName(), q.label)
}

func (q queries) create() string {
	return fmt.Sprintf("CREATE (m:%s) SET m = $props", q.label)
}

// filteredSearch scores every node passing the filter, so the filter is
// applied before the limit.
func (q queries) filteredSearch(clause string) string {
	return fmt.Sprintf(
		"MATCH (m:%s)%s "+
			"WITH m, vector.similarity.cosine(m.embedding, $embedding) AS score "+
			"WHERE score >= $minScore "+
			"RETURN %s, score ORDER BY score DESC LIMIT $limit",
		q.label, where(clause), projection)
}

// indexSearch ranks through the vector index when no filter applies.
func (q queries) indexSearch() string {
	return "CALL db.index.vector.queryNodes($index, $limit, $embedding) YIELD node AS m, score " +
		"WHERE score >= $minScore " +
		"RETURN " + projection + ", score ORDER BY score DESC"
}

func (q queries) list(clause string) string {
	return fmt.Sprintf("MATCH (m:%s)%s RETURN %s", q.label, where(clause), projection)
}

func (q queries) delete(clause string) string {
	return fmt.Sprintf("MATCH (m:%s)%s DETACH DELETE m RETURN count(*) AS deleted", q.label, where(clause))
}
