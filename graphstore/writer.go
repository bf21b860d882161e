// Package graphstore persists posts, users, tags, and interactions into
// Neo4j. All writes are MERGE-based so redelivered events converge on the
// same graph state.
package graphstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/message"
	"github.com/postgraph/tagpipe/metric"
)

const (
	linkPostToTagsQuery = `
MERGE (p:Post {id: $postId})
WITH p
UNWIND $tags AS t
  MERGE (tag:Tag {name: t})
  MERGE (p)-[:HAS_TAG]->(tag)`

	// Relationship properties only set ON CREATE, so the first observed
	// interaction of a given type wins and redeliveries are no-ops.
	recordInteractionQuery = `
MERGE (u:User {id: $userId})
MERGE (p:Post {id: $postId})
MERGE (u)-[r:INTERACTED {type: $interactionType}]->(p)
ON CREATE SET r.timestamp = datetime($createdAt)
RETURN u.id, p.id, r.type`
)

var constraintQueries = []string{
	"CREATE CONSTRAINT post_id_unique IF NOT EXISTS FOR (p:Post) REQUIRE p.id IS UNIQUE",
	"CREATE CONSTRAINT user_id_unique IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
	"CREATE CONSTRAINT tag_name_unique IF NOT EXISTS FOR (t:Tag) REQUIRE t.name IS UNIQUE",
}

// Writer performs idempotent writes against the graph database
type Writer struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Writer during construction
type Option func(*Writer) error

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Writer", "WithLogger", "nil logger")
		}
		w.logger = logger
		return nil
	}
}

// WithMetrics wires the graph write counters
func WithMetrics(m *metric.Metrics) Option {
	return func(w *Writer) error {
		w.metrics = m
		return nil
	}
}

// NewWriter creates a Writer connected to the configured Neo4j instance.
// The connection is verified by Initialize, not here.
func NewWriter(cfg config.GraphConfig, opts ...Option) (*Writer, error) {
	if cfg.URI == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Writer", "NewWriter", "graph URI")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Writer", "NewWriter", "create driver")
	}

	w := &Writer{
		driver:   driver,
		database: cfg.Database,
		logger:   slog.Default().With("component", "graphstore"),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Initialize verifies connectivity and installs the uniqueness constraints
// the MERGE statements rely on.
func (w *Writer) Initialize(ctx context.Context) error {
	if err := w.driver.VerifyConnectivity(ctx); err != nil {
		return errors.WrapTransient(
			stderrors.Join(errors.ErrGraphUnavailable, err),
			"Writer", "Initialize", "verify connectivity")
	}

	session := w.session(ctx)
	defer func() { _ = session.Close(ctx) }()

	for _, q := range constraintQueries {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return errors.Wrap(err, "Writer", "Initialize", "create constraint")
		}
	}

	w.logger.Info("graph store initialized", "database", w.database)
	return nil
}

// LinkPostToTags merges the post node, every tag node, and the HAS_TAG
// relationships in one transaction. Calling it again with the same input
// leaves the graph unchanged.
func (w *Writer) LinkPostToTags(ctx context.Context, postID string, tags []message.Tag) error {
	if postID == "" {
		return errors.WrapInvalid(errors.ErrSchemaViolation, "Writer", "LinkPostToTags", "empty post id")
	}
	if len(tags) == 0 {
		return errors.WrapInvalid(errors.ErrSchemaViolation, "Writer", "LinkPostToTags", "no tags to link")
	}

	params := map[string]any{
		"postId": postID,
		"tags":   message.TagStrings(tags),
	}

	if err := w.executeWrite(ctx, linkPostToTagsQuery, params); err != nil {
		w.countWrite("link_post_tags", "error")
		return errors.WrapTransient(
			stderrors.Join(errors.ErrGraphWriteFailed, err),
			"Writer", "LinkPostToTags", "merge post and tags")
	}

	w.countWrite("link_post_tags", "success")
	w.logger.Debug("post linked to tags", "post_id", postID, "tags", len(tags))
	return nil
}

// RecordInteraction merges the user, post, and typed INTERACTED relationship.
// Both endpoint nodes are created lazily if the corresponding creation event
// has not been seen yet. The relationship timestamp is set only on first
// creation.
func (w *Writer) RecordInteraction(ctx context.Context, ev *message.PostInteracted) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrSchemaViolation, "Writer", "RecordInteraction", "nil event")
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	params := map[string]any{
		"userId":          ev.UserID,
		"postId":          ev.PostID,
		"interactionType": string(ev.InteractionType),
		"createdAt":       ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if err := w.executeWrite(ctx, recordInteractionQuery, params); err != nil {
		w.countWrite("record_interaction", "error")
		return errors.WrapTransient(
			stderrors.Join(errors.ErrGraphWriteFailed, err),
			"Writer", "RecordInteraction", "merge interaction")
	}

	w.countWrite("record_interaction", "success")
	w.logger.Debug("interaction recorded",
		"user_id", ev.UserID,
		"post_id", ev.PostID,
		"type", ev.InteractionType)
	return nil
}

// Close releases the underlying driver
func (w *Writer) Close(ctx context.Context) error {
	if err := w.driver.Close(ctx); err != nil {
		return errors.Wrap(err, "Writer", "Close", "close driver")
	}
	return nil
}

func (w *Writer) session(ctx context.Context) neo4j.SessionWithContext {
	return w.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: w.database,
	})
}

func (w *Writer) executeWrite(ctx context.Context, query string, params map[string]any) error {
	session := w.session(ctx)
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	return err
}

func (w *Writer) countWrite(operation, outcome string) {
	if w.metrics != nil {
		w.metrics.GraphWrites.WithLabelValues(operation, outcome).Inc()
	}
}
