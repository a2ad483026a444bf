package neo4j

import (
	"fmt"
	"regexp"
	"time"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds connection and schema settings for the persistent store.
type Config struct {
	// URI is the bolt endpoint, e.g. bolt://localhost:7687 or neo4j+s://host.
	URI      string
	Username string
	Password string

	// Database selects a database; empty uses the server default.
	Database string

	// Label is the node label memories are stored under.
	// Default: "Memory"
	Label string

	// IndexName names the vector index.
	// Default: "memory_embedding"
	IndexName string

	// Dimensions is the embedding size the vector index is declared with.
	// Default: the embedder's Dimensions().
	Dimensions int

	MaxConnectionPoolSize   int
	ConnectionTimeout       time.Duration
	MaxTransactionRetryTime time.Duration

	// ConnectRetries bounds connection attempts at startup.
	// Default: 5
	ConnectRetries int
}

// DefaultConfig returns defaults for everything except the connection
// details.
func DefaultConfig() Config {
	return Config{
		Label:                   "Memory",
		IndexName:               "memory_embedding",
		MaxConnectionPoolSize:   50,
		ConnectionTimeout:       30 * time.Second,
		MaxTransactionRetryTime: 15 * time.Second,
		ConnectRetries:          5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Label == "" {
		c.Label = d.Label
	}
	if c.IndexName == "" {
		c.IndexName = d.IndexName
	}
	if c.MaxConnectionPoolSize <= 0 {
		c.MaxConnectionPoolSize = d.MaxConnectionPoolSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxTransactionRetryTime <= 0 {
		c.MaxTransactionRetryTime = d.MaxTransactionRetryTime
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = d.ConnectRetries
	}
	return c
}

// Validate checks the configuration. Label and IndexName are interpolated
// into Cypher, so they must be plain identifiers.
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("neo4j: URI is required")
	}
	if !identifier.MatchString(c.Label) {
		return fmt.Errorf("neo4j: invalid label %q", c.Label)
	}
	if !identifier.MatchString(c.IndexName) {
		return fmt.Errorf("neo4j: invalid index name %q", c.IndexName)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("neo4j: dimensions must be positive")
	}
	return nil
}
