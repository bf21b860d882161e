// Package poststore reads source posts from the relational database. Only
// the reprocess tool needs it; the consume path gets post text from the
// events themselves.
package poststore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/errors"
)

const (
	getPostQuery = `SELECT id, user_id, body, created_at FROM posts WHERE id = $1`

	listPostsQuery = `SELECT id, user_id, body, created_at FROM posts ORDER BY created_at DESC LIMIT $1`
)

// Post is a row from the posts table
type Post struct {
	ID        string
	UserID    string
	Body      string
	CreatedAt time.Time
}

// Store reads posts from Postgres
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a Store during construction
type Option func(*Store) error

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Store", "WithLogger", "nil logger")
		}
		s.logger = logger
		return nil
	}
}

// New creates a Store backed by a connection pool
func New(ctx context.Context, cfg config.RelationalConfig, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "New", "relational DSN")
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "New", "create pool")
	}

	s := &Store{
		pool:   pool,
		logger: slog.Default().With("component", "poststore"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "Store", "Ping", "ping database")
	}
	return nil
}

// GetPost fetches a single post by id
func (s *Store) GetPost(ctx context.Context, id string) (*Post, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrSchemaViolation, "Store", "GetPost", "empty post id")
	}

	var p Post
	err := s.pool.QueryRow(ctx, getPostQuery, id).Scan(&p.ID, &p.UserID, &p.Body, &p.CreatedAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.WrapInvalid(errors.ErrPostNotFound, "Store", "GetPost", "post "+id)
		}
		return nil, errors.WrapTransient(err, "Store", "GetPost", "query post")
	}
	return &p, nil
}

// ListPosts returns the most recent posts, newest first. Used by the
// reprocess tool to re-run enrichment over existing content.
func (s *Store) ListPosts(ctx context.Context, limit int) ([]Post, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, listPostsQuery, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListPosts", "query posts")
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.UserID, &p.Body, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "Store", "ListPosts", "scan row")
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListPosts", "iterate rows")
	}
	return posts, nil
}

// Close releases the connection pool
func (s *Store) Close() {
	s.pool.Close()
}
