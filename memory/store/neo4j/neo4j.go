package neo4j

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/memory"
)

const storeName = "neo4j"

// Schema error codes that mean another process created the index first.
var alreadyExistsCodes = []string{
	"Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists",
	"Neo.ClientError.Schema.IndexAlreadyExists",
}

// runner executes Cypher. driverRunner is the production implementation.
type runner interface {
	run(ctx context.Context, cypher string, params map[string]any, write bool) ([]*neo4j.Record, error)
	close(ctx context.Context) error
}

// Store is the persistent memory store, backed by Neo4j 5 vector search.
// It is used for registered users: memories survive restarts and sessions.
type Store struct {
	cfg      Config
	q        queries
	db       runner
	embedder memory.Embedder
	log      *zap.Logger

	// Schema is provisioned lazily. A failed attempt is retried on the
	// next call.
	schemaMu    sync.Mutex
	schemaReady bool
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New connects to Neo4j and returns a store. The schema is not touched
// until the first operation.
func New(ctx context.Context, cfg Config, embedder memory.Embedder, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Dimensions == 0 {
		cfg.Dimensions = embedder.Dimensions()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := newStore(cfg, nil, embedder, opts...)
	driver, err := connect(ctx, cfg, s.log)
	if err != nil {
		return nil, err
	}
	s.db = &driverRunner{driver: driver, database: cfg.Database}
	return s, nil
}

func newStore(cfg Config, db runner, embedder memory.Embedder, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg,
		q:        queries{label: cfg.Label, index: cfg.IndexName},
		db:       db,
		embedder: embedder,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("neo4j")
	return s
}

// connect creates the driver, retrying with exponential backoff until the
// server answers VerifyConnectivity.
func connect(ctx context.Context, cfg Config, log *zap.Logger) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	configure := func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
		c.ConnectionAcquisitionTimeout = cfg.ConnectionTimeout
		c.MaxTransactionRetryTime = cfg.MaxTransactionRetryTime
	}

	var lastErr error
	baseDelay := 100 * time.Millisecond
	for attempt := 0; attempt < cfg.ConnectRetries; attempt++ {
		driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, configure)
		if err == nil {
			if err = driver.VerifyConnectivity(ctx); err == nil {
				log.Info("connected", zap.String("uri", cfg.URI))
				return driver, nil
			}
			_ = driver.Close(ctx)
		}
		lastErr = err
		log.Warn("connect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))

		delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.ConnectionTimeout {
			delay = cfg.ConnectionTimeout
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("neo4j: connect cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("neo4j: failed to connect after %d attempts: %w", cfg.ConnectRetries, lastErr)
}

// ensureSchema declares the vector and property indexes if absent.
func (s *Store) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}

	wanted := map[string]string{
		s.cfg.IndexName:         s.q.createVectorIndex(s.cfg.Dimensions),
		s.q.propertyIndexName(): s.q.createPropertyIndex(),
	}
	names := []string{s.cfg.IndexName, s.q.propertyIndexName()}

	records, err := s.db.run(ctx, s.q.showIndexes(), map[string]any{"names": names}, false)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	existing := make(map[string]bool, len(records))
	for _, rec := range records {
		if name, ok := rec.Get("name"); ok {
			if n, ok := name.(string); ok {
				existing[n] = true
			}
		}
	}

	for _, name := range names {
		if existing[name] {
			continue
		}
		if _, err := s.db.run(ctx, wanted[name], nil, true); err != nil {
			if !isAlreadyExists(err) {
				return fmt.Errorf("create index %s: %w", name, err)
			}
			s.log.Debug("index created concurrently", zap.String("index", name))
			continue
		}
		s.log.Info("created index", zap.String("index", name))
	}

	s.schemaReady = true
	return nil
}

func isAlreadyExists(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		for _, code := range alreadyExistsCodes {
			if neoErr.Code == code {
				return true
			}
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// AddMemory embeds a record and creates its node.
func (s *Store) AddMemory(ctx context.Context, record memory.Record) error {
	record = record.WithID()
	if err := record.Validate(); err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}

	embedding, err := s.embed(ctx, record.Content)
	if err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}

	props, err := toProperties(record, embedding)
	if err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}
	if _, err := s.db.run(ctx, s.q.create(), map[string]any{"props": props}, true); err != nil {
		return memory.NewError(storeName, "add", memory.ErrStoreWrite, err)
	}

	s.log.Debug("stored memory",
		zap.String("id", record.ID),
		zap.String("user_id", record.Metadata.UserID),
		zap.String("type", string(record.Type)))
	return nil
}

// SearchMemories ranks memories by cosine similarity to query.
func (s *Store) SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.SearchResult, error) {
	opts = opts.Normalized()
	if err := s.ensureSchema(ctx); err != nil {
		return nil, memory.NewError(storeName, "search", memory.ErrStoreSearch, err)
	}

	embedding, err := s.embed(ctx, query)
	if err != nil {
		return nil, memory.NewError(storeName, "search", memory.ErrStoreSearch, err)
	}

	clause, params := filter{UserID: opts.UserID, Type: opts.Type}.build()
	params["embedding"] = embedding
	params["limit"] = int64(opts.Limit)
	params["minScore"] = neo4jThreshold(opts.MinScore)

	cypher := s.q.filteredSearch(clause)
	if clause == "" {
		cypher = s.q.indexSearch()
		params["index"] = s.cfg.IndexName
	}

	records, err := s.db.run(ctx, cypher, params, false)
	if err != nil {
		return nil, memory.NewError(storeName, "search", memory.ErrStoreSearch, err)
	}

	results := make([]memory.SearchResult, 0, len(records))
	for _, rec := range records {
		r, err := recordFromRow(rec)
		if err != nil {
			s.log.Warn("skipping result", zap.Error(err))
			continue
		}
		score, _ := rec.Get("score")
		results = append(results, memory.SearchResult{
			Record: r,
			Score:  cosineScore(toFloat(score)),
		})
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Neo4j reports cosine similarity as (1+cos)/2. Results are returned as
// cosine clamped to [0, 1], the scale the chromem store uses.
func cosineScore(neo4jScore float64) float64 {
	return memory.ClampScore(2*neo4jScore - 1)
}

// neo4jThreshold converts a cosine threshold to Neo4j's scale. A threshold
// of zero or less keeps everything, as clamped scores are never negative.
func neo4jThreshold(minScore float64) float64 {
	if minScore <= 0 {
		return 0
	}
	return (1 + minScore) / 2
}

// GetUserMemories returns every memory owned by userID. An empty userID
// matches nothing.
func (s *Store) GetUserMemories(ctx context.Context, userID string, memType memory.Type) ([]memory.Record, error) {
	if userID == "" {
		return nil, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, memory.NewError(storeName, "list", memory.ErrStoreSearch, err)
	}

	clause, params := filter{UserID: userID, Type: memType}.build()
	records, err := s.db.run(ctx, s.q.list(clause), params, false)
	if err != nil {
		return nil, memory.NewError(storeName, "list", memory.ErrStoreSearch, err)
	}

	out := make([]memory.Record, 0, len(records))
	for _, rec := range records {
		r, err := recordFromRow(rec)
		if err != nil {
			return nil, memory.NewError(storeName, "list", memory.ErrStoreSearch, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteMemories bulk-deletes memories matching the criteria, using the
// same filter construction as search.
func (s *Store) DeleteMemories(ctx context.Context, criteria memory.DeleteCriteria) error {
	if criteria.IsEmpty() {
		return memory.NewError(storeName, "delete", memory.ErrInvalidCriteria, nil)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return memory.NewError(storeName, "delete", memory.ErrStoreWrite, err)
	}

	clause, params := filter{UserID: criteria.UserID, Type: criteria.Type, Before: criteria.Before}.build()
	records, err := s.db.run(ctx, s.q.delete(clause), params, true)
	if err != nil {
		return memory.NewError(storeName, "delete", memory.ErrStoreWrite, err)
	}

	var deleted int64
	if len(records) > 0 {
		if v, ok := records[0].Get("deleted"); ok {
			deleted, _ = v.(int64)
		}
	}
	s.log.Info("deleted memories",
		zap.String("user_id", criteria.UserID),
		zap.String("type", string(criteria.Type)),
		zap.Int64("deleted", deleted))
	return nil
}

// Close releases the driver.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.close(context.Background())
}

func (s *Store) embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != s.cfg.Dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, index expects %d", len(vec), s.cfg.Dimensions)
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out, nil
}

// driverRunner runs queries through the official driver.
type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *driverRunner) run(ctx context.Context, cypher string, params map[string]any, write bool) ([]*neo4j.Record, error) {
	routing := neo4j.ExecuteQueryWithReadersRouting()
	if write {
		routing = neo4j.ExecuteQueryWithWritersRouting()
	}
	opts := []neo4j.ExecuteQueryConfigurationOption{routing}
	if r.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(r.database))
	}

	result, err := neo4j.ExecuteQuery(ctx, r.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (r *driverRunner) close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
