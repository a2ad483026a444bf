package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/memory"
)

const (
	storeName      = "chromem"
	collectionName = "memories"
)

// Metadata keys used on chromem documents.
const (
	keyType       = "type"
	keyUserID     = "userId"
	keyTimestamp  = "timestamp"
	keyThreadID   = "threadId"
	keyCategory   = "category"
	keyAmount     = "amount"
	keyConfidence = "confidence"
	keySource     = "source"
	keyExtra      = "extra"
)

// Store is the ephemeral memory store. It wraps an embedded chromem-go
// database that lives exactly as long as the process, which makes it the
// backing for unregistered users: nothing written here is durable.
//
// All users share one collection; user and type isolation come from
// metadata filters applied before ranking.
type Store struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder memory.Embedder
	log      *zap.Logger

	mu     sync.RWMutex
	byUser map[string][]string // userID -> document ids
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New creates a fresh, empty chromem-backed store.
func New(embedder memory.Embedder, opts ...Option) (*Store, error) {
	s := &Store{
		db:       chromem.NewDB(),
		embedder: embedder,
		log:      zap.NewNop(),
		byUser:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("chromem")

	col, err := s.db.GetOrCreateCollection(collectionName, nil, embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.col = col
	return s, nil
}

// AddMemory embeds and stores a record.
func (s *Store) AddMemory(ctx context.Context, record memory.Record) error {
	record = record.WithID()
	if err := record.Validate(); err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}

	embedding, err := s.embedder.Embed(ctx, record.Content)
	if err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, fmt.Errorf("embed: %w", err))
	}

	metadata, err := toMetadata(record)
	if err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}

	doc := chromem.Document{
		ID:        record.ID,
		Content:   record.Content,
		Embedding: embedding,
		Metadata:  metadata,
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}

	s.mu.Lock()
	s.byUser[record.Metadata.UserID] = append(s.byUser[record.Metadata.UserID], record.ID)
	s.mu.Unlock()

	s.log.Debug("stored memory",
		zap.String("id", record.ID),
		zap.String("user_id", record.Metadata.UserID),
		zap.String("type", string(record.Type)))
	return nil
}

// SearchMemories ranks stored records by cosine similarity to query.
func (s *Store) SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.SearchResult, error) {
	opts = opts.Normalized()

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, memory.NewError(storeName, "search", memory.ErrStoreSearch, fmt.Errorf("embed: %w", err))
	}

	where := make(map[string]string, 2)
	if opts.UserID != "" {
		where[keyUserID] = opts.UserID
	}
	if opts.Type != "" {
		where[keyType] = string(opts.Type)
	}

	// chromem-go requires nResults <= collection size. Filtering happens
	// before ranking, so the top-n of the filtered set is what we want.
	n := opts.Limit
	if n > count {
		n = count
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, memory.NewError(storeName, "search", memory.ErrStoreSearch, err)
	}

	out := make([]memory.SearchResult, 0, len(results))
	for i, res := range results {
		score := memory.ClampScore(float64(res.Similarity))
		if score < opts.MinScore {
			continue
		}
		record, err := fromDocument(res.ID, res.Content, res.Metadata)
		if err != nil {
			s.log.Warn("skipping result", zap.Int("rank", i+1), zap.Error(err))
			continue
		}
		out = append(out, memory.SearchResult{Record: record, Score: score})
	}

	s.log.Debug("search complete",
		zap.Int("candidates", len(results)),
		zap.Int("returned", len(out)))
	return out, nil
}

// GetUserMemories returns every record written for userID.
func (s *Store) GetUserMemories(ctx context.Context, userID string, memType memory.Type) ([]memory.Record, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byUser[userID]...)
	s.mu.RUnlock()

	records := make([]memory.Record, 0, len(ids))
	for _, id := range ids {
		doc, err := s.col.GetByID(ctx, id)
		if err != nil {
			return nil, memory.NewError(storeName, "list", memory.ErrStoreSearch, err)
		}
		record, err := fromDocument(doc.ID, doc.Content, doc.Metadata)
		if err != nil {
			return nil, memory.NewError(storeName, "list", memory.ErrStoreSearch, err)
		}
		if memType != "" && record.Type != memType {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteMemories is not supported: the ephemeral index has no delete
// primitive in this deployment. Empty criteria are still rejected first.
func (s *Store) DeleteMemories(ctx context.Context, criteria memory.DeleteCriteria) error {
	if criteria.IsEmpty() {
		return memory.NewError(storeName, "delete", memory.ErrInvalidCriteria, nil)
	}
	return memory.NewError(storeName, "delete", memory.ErrNotSupported, nil)
}

// Close releases resources.
func (s *Store) Close() error {
	// chromem-go keeps everything in memory, nothing to close
	return nil
}

// toMetadata flattens a record into chromem's string metadata.
func toMetadata(r memory.Record) (map[string]string, error) {
	m := r.Metadata
	metadata := map[string]string{
		keyType:      string(r.Type),
		keyUserID:    m.UserID,
		keyTimestamp: strconv.FormatInt(m.Timestamp, 10),
	}
	setIf(metadata, keyThreadID, m.ThreadID)
	setIf(metadata, keyCategory, m.Category)
	setIf(metadata, keySource, m.Source)
	if m.Amount != nil {
		metadata[keyAmount] = strconv.FormatFloat(*m.Amount, 'f', -1, 64)
	}
	if m.Confidence != nil {
		metadata[keyConfidence] = strconv.FormatFloat(*m.Confidence, 'f', -1, 64)
	}
	if len(m.Extra) > 0 {
		b, err := json.Marshal(m.Extra)
		if err != nil {
			return nil, fmt.Errorf("marshal extra metadata: %w", err)
		}
		metadata[keyExtra] = string(b)
	}
	return metadata, nil
}

// fromDocument rebuilds a record from a chromem document.
func fromDocument(id, content string, metadata map[string]string) (memory.Record, error) {
	ts, err := strconv.ParseInt(metadata[keyTimestamp], 10, 64)
	if err != nil {
		return memory.Record{}, fmt.Errorf("parse timestamp: %w", err)
	}

	r := memory.Record{
		ID:      id,
		Type:    memory.Type(metadata[keyType]),
		Content: content,
		Metadata: memory.Metadata{
			UserID:    metadata[keyUserID],
			Timestamp: ts,
			ThreadID:  metadata[keyThreadID],
			Category:  metadata[keyCategory],
			Source:    metadata[keySource],
		},
	}
	if v, ok := metadata[keyAmount]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return memory.Record{}, fmt.Errorf("parse amount: %w", err)
		}
		r.Metadata.Amount = &f
	}
	if v, ok := metadata[keyConfidence]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return memory.Record{}, fmt.Errorf("parse confidence: %w", err)
		}
		r.Metadata.Confidence = &f
	}
	if v, ok := metadata[keyExtra]; ok {
		if err := json.Unmarshal([]byte(v), &r.Metadata.Extra); err != nil {
			return memory.Record{}, fmt.Errorf("unmarshal extra metadata: %w", err)
		}
	}
	return r, nil
}

func setIf(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
