package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/mattn/go-sqlite3"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	dbconfig "presencehub/pkg/database"
	"presencehub/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	done         chan struct{} // closed when writeLoop has returned
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.Tx) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and starts the
// writer goroutine.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Statements run under the command span carried by ctx.
	db, err := otelsql.Open("sqlite3", config.DSN(), otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemSqlite))

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema check failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("database"),
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	// All writes go through one goroutine; SQLite allows a single writer.
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.done)

	for {
		select {
		case op := <-m.writeChannel:
			err := m.runTx(op)
			if err != nil && retryable(err) && op.ctx.Err() == nil {
				m.logger.Warn("database write failed, retrying once",
					zap.Duration("delay", m.config.RetryDelay), zap.Error(err))
				time.Sleep(m.config.RetryDelay)
				err = m.runTx(op)
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

func (m *Manager) runTx(op writeOperation) error {
	tx, err := m.db.BeginTx(op.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := op.operation(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// executeWrite queues a transactional write and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.Tx) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: database manager is closed", types.ErrStoreUnavailable)
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("%w: write queue full", types.ErrStoreUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return fmt.Errorf("%w: database manager is shutting down", types.ErrStoreUnavailable)
	}

	// The writer answers every operation it takes before it exits.
	select {
	case err := <-result:
		return storeError(err)
	case <-m.done:
		select {
		case err := <-result:
			return storeError(err)
		default:
			return fmt.Errorf("%w: database manager is shutting down", types.ErrStoreUnavailable)
		}
	}
}

// retryable reports whether a failed write may succeed when tried again.
// Domain outcomes (missing rows, ownership, validation) never change on retry.
func retryable(err error) bool {
	return !errors.Is(err, types.ErrNotFound) &&
		!errors.Is(err, types.ErrAuthorization) &&
		!errors.Is(err, types.ErrValidation) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// storeError tags driver failures with ErrStoreUnavailable and leaves domain
// outcomes untouched.
func storeError(err error) error {
	if err == nil || !retryable(err) || errors.Is(err, types.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}

// CreatePost inserts a post and fills in its ID and timestamps
func (m *Manager) CreatePost(ctx context.Context, post *types.Post) error {
	now := time.Now().UTC()
	if post.Visibility == "" {
		post.Visibility = types.VisibilityPublic
	}
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO posts (owner_id, title, body, visibility, like_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, post.OwnerID, post.Title, post.Body, post.Visibility, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert post: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read post id: %w", err)
		}
		post.ID = id
		post.LikeCount = 0
		post.CreatedAt = now
		post.UpdatedAt = now
		return nil
	})
}

const postColumns = `id, owner_id, title, body, visibility, like_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*types.Post, error) {
	var post types.Post
	err := row.Scan(&post.ID, &post.OwnerID, &post.Title, &post.Body,
		&post.Visibility, &post.LikeCount, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &post, nil
}

// GetPost retrieves a post by ID
func (m *Manager) GetPost(ctx context.Context, postID int64) (*types.Post, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, postID)
	post, err := scanPost(row)
	if err != nil {
		return nil, storeError(fmt.Errorf("get post %d: %w", postID, err))
	}
	return post, nil
}

// UpdatePost rewrites title, body and visibility of a post the caller owns.
// An empty Visibility keeps the stored one. On success post is refreshed from
// the stored row.
func (m *Manager) UpdatePost(ctx context.Context, post *types.Post) error {
	now := time.Now().UTC()
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if err := requirePostOwner(ctx, tx, post.ID, post.OwnerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE posts SET title = ?, body = ?, visibility = COALESCE(NULLIF(?, ''), visibility), updated_at = ?
			WHERE id = ? AND owner_id = ?
		`, post.Title, post.Body, post.Visibility, now, post.ID, post.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		stored, err := scanPost(tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, post.ID))
		if err != nil {
			return err
		}
		*post = *stored
		return nil
	})
}

// DeletePost removes a post the caller owns, with its likes and comments
func (m *Manager) DeletePost(ctx context.Context, postID int64, ownerID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if err := requirePostOwner(ctx, tx, postID, ownerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ? AND owner_id = ?`, postID, ownerID); err != nil {
			return fmt.Errorf("failed to delete post: %w", err)
		}
		return nil
	})
}

func requirePostOwner(ctx context.Context, tx *sql.Tx, postID int64, userID string) error {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT owner_id FROM posts WHERE id = ?`, postID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("post %d: %w", postID, types.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return fmt.Errorf("post %d: %w", postID, types.ErrAuthorization)
	}
	return nil
}

// requirePostVisible fails with ErrNotFound or ErrAuthorization unless userID
// may read the post. Private posts are visible to their owner only.
func requirePostVisible(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, postID int64, userID string) error {
	var owner, visibility string
	err := q.QueryRowContext(ctx, `SELECT owner_id, visibility FROM posts WHERE id = ?`, postID).Scan(&owner, &visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("post %d: %w", postID, types.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if visibility == types.VisibilityPrivate && owner != userID {
		return fmt.Errorf("post %d: %w", postID, types.ErrAuthorization)
	}
	return nil
}

// CanViewPost reports whether userID may read the post and its comments
func (m *Manager) CanViewPost(ctx context.Context, postID int64, userID string) (bool, error) {
	err := requirePostVisible(ctx, m.db, postID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrAuthorization):
		return false, nil
	default:
		return false, storeError(err)
	}
}

// LikePost records userID's like and returns the recounted total.
// Liking twice is a no-op for the count.
func (m *Manager) LikePost(ctx context.Context, postID int64, userID string) (int64, error) {
	var count int64
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		if err := requirePostVisible(ctx, tx, postID, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO post_likes (post_id, user_id, created_at) VALUES (?, ?, ?)`,
			postID, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert like: %w", err)
		}
		count, err = recountLikes(ctx, tx, postID)
		return err
	})
	return count, err
}

// UnlikePost removes userID's like and returns the recounted total
func (m *Manager) UnlikePost(ctx context.Context, postID int64, userID string) (int64, error) {
	var count int64
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		if err := requirePostVisible(ctx, tx, postID, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM post_likes WHERE post_id = ? AND user_id = ?`, postID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete like: %w", err)
		}
		count, err = recountLikes(ctx, tx, postID)
		return err
	})
	return count, err
}

// recountLikes derives like_count from post_likes rows; the cached scalar is
// never incremented in place.
func recountLikes(ctx context.Context, tx *sql.Tx, postID int64) (int64, error) {
	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_likes WHERE post_id = ?`, postID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count likes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE posts SET like_count = ? WHERE id = ?`, count, postID); err != nil {
		return 0, fmt.Errorf("failed to store like count: %w", err)
	}
	return count, nil
}

const commentColumns = `id, post_id, owner_id, body, upvotes, downvotes, score, created_at, updated_at`

func scanComment(row rowScanner) (*types.Comment, error) {
	var c types.Comment
	err := row.Scan(&c.ID, &c.PostID, &c.OwnerID, &c.Body,
		&c.Upvotes, &c.Downvotes, &c.Score, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateComment adds a comment to a post the caller can view
func (m *Manager) CreateComment(ctx context.Context, comment *types.Comment) error {
	now := time.Now().UTC()
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if err := requirePostVisible(ctx, tx, comment.PostID, comment.OwnerID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (post_id, owner_id, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, comment.PostID, comment.OwnerID, comment.Body, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert comment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read comment id: %w", err)
		}
		comment.ID = id
		comment.Upvotes, comment.Downvotes, comment.Score = 0, 0, 0
		comment.CreatedAt = now
		comment.UpdatedAt = now
		return nil
	})
}

// GetComment retrieves a comment by ID
func (m *Manager) GetComment(ctx context.Context, commentID int64) (*types.Comment, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, commentID)
	comment, err := scanComment(row)
	if err != nil {
		return nil, storeError(fmt.Errorf("get comment %d: %w", commentID, err))
	}
	return comment, nil
}

func loadOwnedComment(ctx context.Context, tx *sql.Tx, commentID int64, ownerID string) (*types.Comment, error) {
	stored, err := scanComment(tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, commentID))
	if err != nil {
		return nil, fmt.Errorf("comment %d: %w", commentID, err)
	}
	if stored.OwnerID != ownerID {
		return nil, fmt.Errorf("comment %d: %w", commentID, types.ErrAuthorization)
	}
	return stored, nil
}

// UpdateComment rewrites the body of a comment the caller owns. On success
// comment is refreshed from the stored row.
func (m *Manager) UpdateComment(ctx context.Context, comment *types.Comment) error {
	now := time.Now().UTC()
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		stored, err := loadOwnedComment(ctx, tx, comment.ID, comment.OwnerID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE comments SET body = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
			comment.Body, now, comment.ID, comment.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to update comment: %w", err)
		}
		stored.Body = comment.Body
		stored.UpdatedAt = now
		*comment = *stored
		return nil
	})
}

// DeleteComment removes a comment the caller owns and returns the removed row
func (m *Manager) DeleteComment(ctx context.Context, commentID int64, ownerID string) (*types.Comment, error) {
	var deleted *types.Comment
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		stored, err := loadOwnedComment(ctx, tx, commentID, ownerID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ? AND owner_id = ?`, commentID, ownerID); err != nil {
			return fmt.Errorf("failed to delete comment: %w", err)
		}
		deleted = stored
		return nil
	})
	return deleted, err
}

// VoteComment stores userID's vote (0 withdraws it) and returns the comment
// with tallies recomputed from comment_votes.
func (m *Manager) VoteComment(ctx context.Context, commentID int64, userID string, value int) (*types.Comment, error) {
	if value < -1 || value > 1 {
		return nil, types.ErrInvalidVote
	}

	var result *types.Comment
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		var postID int64
		err := tx.QueryRowContext(ctx, `SELECT post_id FROM comments WHERE id = ?`, commentID).Scan(&postID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("comment %d: %w", commentID, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := requirePostVisible(ctx, tx, postID, userID); err != nil {
			return err
		}

		if value == 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM comment_votes WHERE comment_id = ? AND user_id = ?`, commentID, userID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO comment_votes (comment_id, user_id, value, created_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (comment_id, user_id) DO UPDATE SET value = excluded.value
			`, commentID, userID, value, time.Now().UTC())
		}
		if err != nil {
			return fmt.Errorf("failed to store vote: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE comments SET
				upvotes = (SELECT COUNT(*) FROM comment_votes WHERE comment_id = ? AND value = 1),
				downvotes = (SELECT COUNT(*) FROM comment_votes WHERE comment_id = ? AND value = -1),
				score = (SELECT COALESCE(SUM(value), 0) FROM comment_votes WHERE comment_id = ?)
			WHERE id = ?
		`, commentID, commentID, commentID, commentID)
		if err != nil {
			return fmt.Errorf("failed to recount votes: %w", err)
		}

		result, err = scanComment(tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, commentID))
		return err
	})
	return result, err
}

// AppendActivity writes one activity log entry
func (m *Manager) AppendActivity(ctx context.Context, entry *types.ActivityLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO activity_logs (user_id, action, resource, created_at) VALUES (?, ?, ?, ?)`,
			entry.UserID, entry.Action, entry.Resource, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert activity: %w", err)
		}
		entry.ID, err = res.LastInsertId()
		return err
	})
}

// ListActivity returns a user's most recent activity, newest first
func (m *Manager) ListActivity(ctx context.Context, userID string, limit int) ([]*types.ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, action, resource, created_at
		FROM activity_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to query activity: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.ActivityLog
	for rows.Next() {
		var entry types.ActivityLog
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.Resource, &entry.CreatedAt); err != nil {
			return nil, storeError(fmt.Errorf("failed to scan activity row: %w", err))
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(fmt.Errorf("error iterating activity rows: %w", err))
	}
	return entries, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: database ping failed: %v", types.ErrStoreUnavailable, err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("%w: database read test failed: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
