package neo4j

import (
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-memory/memory"
)

// toProperties flattens a record into node properties. Neo4j properties
// cannot hold maps, so Extra is stored as protojson text.
func toProperties(r memory.Record, embedding []float64) (map[string]any, error) {
	m := r.Metadata
	props := map[string]any{
		"id":        r.ID,
		"type":      string(r.Type),
		"content":   r.Content,
		"userId":    m.UserID,
		"timestamp": m.Timestamp,
		"embedding": embedding,
	}
	if m.ThreadID != "" {
		props["threadId"] = m.ThreadID
	}
	if m.Category != "" {
		props["category"] = m.Category
	}
	if m.Source != "" {
		props["source"] = m.Source
	}
	if m.Amount != nil {
		props["amount"] = *m.Amount
	}
	if m.Confidence != nil {
		props["confidence"] = *m.Confidence
	}
	if len(m.Extra) > 0 {
		extra, err := encodeExtra(m.Extra)
		if err != nil {
			return nil, err
		}
		props["extra"] = extra
	}
	return props, nil
}

func encodeExtra(extra map[string]any) (string, error) {
	st, err := structpb.NewStruct(extra)
	if err != nil {
		return "", fmt.Errorf("encode extra metadata: %w", err)
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode extra metadata: %w", err)
	}
	return string(b), nil
}

func decodeExtra(s string) (map[string]any, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal([]byte(s), &st); err != nil {
		return nil, fmt.Errorf("decode extra metadata: %w", err)
	}
	return st.AsMap(), nil
}

// recordFromRow reads the "memory" projection of a result row.
func recordFromRow(rec *neo4j.Record) (memory.Record, error) {
	raw, ok := rec.Get("memory")
	if !ok {
		return memory.Record{}, fmt.Errorf("row has no memory column")
	}
	props, ok := raw.(map[string]any)
	if !ok {
		return memory.Record{}, fmt.Errorf("memory column is %T, want map", raw)
	}
	return fromProperties(props)
}

func fromProperties(props map[string]any) (memory.Record, error) {
	r := memory.Record{
		ID:      str(props["id"]),
		Type:    memory.Type(str(props["type"])),
		Content: str(props["content"]),
		Metadata: memory.Metadata{
			UserID:   str(props["userId"]),
			ThreadID: str(props["threadId"]),
			Category: str(props["category"]),
			Source:   str(props["source"]),
		},
	}
	switch ts := props["timestamp"].(type) {
	case int64:
		r.Metadata.Timestamp = ts
	case float64:
		r.Metadata.Timestamp = int64(ts)
	default:
		return memory.Record{}, fmt.Errorf("memory %s has no timestamp", r.ID)
	}
	if v, ok := props["amount"]; ok && v != nil {
		f := toFloat(v)
		r.Metadata.Amount = &f
	}
	if v, ok := props["confidence"]; ok && v != nil {
		f := toFloat(v)
		r.Metadata.Confidence = &f
	}
	if s := str(props["extra"]); s != "" {
		extra, err := decodeExtra(s)
		if err != nil {
			return memory.Record{}, err
		}
		r.Metadata.Extra = extra
	}
	return r, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
