package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valetd/valet"
)

// uniqueViolation is the Postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// Store implements valet.MessageStore, valet.ConversationStore,
// valet.ScheduleStore, and valet.ConfigStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ valet.MessageStore      = (*Store)(nil)
	_ valet.ConversationStore = (*Store)(nil)
	_ valet.ScheduleStore     = (*Store)(nil)
	_ valet.ConfigStore       = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init applies pending schema migrations.
func (s *Store) Init(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Messages ---

// Save appends one message. Duplicate ids fail with Conflict and leave
// the prior row unchanged; rows are never updated.
func (s *Store) Save(ctx context.Context, msg valet.Message) error {
	var metaJSON *string
	if len(msg.Metadata) > 0 {
		v := string(msg.Metadata)
		metaJSON = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, created_at, metadata_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.CreatedAt, metaJSON)
	if isDuplicate(err) {
		return valet.Errorf(valet.KindConflict, "postgres.save", "message %q already exists", msg.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: save message: %w", err)
	}
	return nil
}

// FindByConversation returns the most recent limit messages of a
// conversation in chronological order (oldest first), ties broken by id.
func (s *Store) FindByConversation(ctx context.Context, conversationID string, limit int) ([]valet.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at, metadata_json
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: find messages: %w", err)
	}
	defer rows.Close()

	var messages []valet.Message
	for rows.Next() {
		var m valet.Message
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Metadata = metaJSON
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountByConversation returns the number of messages in a conversation.
func (s *Store) CountByConversation(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count messages: %w", err)
	}
	return n, nil
}

// DeleteConversation removes a conversation and all its messages.
// The only path that ever deletes message rows.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("postgres: delete conversation messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID); err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Conversations ---

// EnsureConversation inserts the conversation record on first use and
// bumps updated_at afterwards.
func (s *Store) EnsureConversation(ctx context.Context, conv valet.Conversation) error {
	var metaJSON *string
	if len(conv.Metadata) > 0 {
		v := string(conv.Metadata)
		metaJSON = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, metadata_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		conv.ID, conv.UserID, conv.Title, metaJSON, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: ensure conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (valet.Conversation, error) {
	var c valet.Conversation
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, metadata_json, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &metaJSON, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return valet.Conversation{}, valet.Errorf(valet.KindNotFound, "postgres.conversation", "conversation %q not found", id)
	}
	if err != nil {
		return valet.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	c.Metadata = metaJSON
	return c, nil
}

// ListConversations returns a user's conversations, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]valet.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, metadata_json, created_at, updated_at
		 FROM conversations WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []valet.Conversation
	for rows.Next() {
		var c valet.Conversation
		var metaJSON []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		c.Metadata = metaJSON
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// --- Scheduled tasks ---

const taskColumns = `id, type, schedule, payload_json, user_id, conversation_id, enabled, created_at, updated_at, last_run, next_run`

// CreateTask inserts a task. Duplicate ids fail with Conflict.
func (s *Store) CreateTask(ctx context.Context, t valet.ScheduledTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal task payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scheduled_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Type, t.Schedule, string(payload), t.UserID, t.ConversationID,
		t.Enabled, t.CreatedAt, t.UpdatedAt, t.LastRun, t.NextRun)
	if isDuplicate(err) {
		return valet.Errorf(valet.KindConflict, "postgres.task", "task %q already exists", t.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (valet.ScheduledTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return valet.ScheduledTask{}, valet.Errorf(valet.KindNotFound, "postgres.task", "task %q not found", id)
	}
	if err != nil {
		return valet.ScheduledTask{}, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by next_run. Empty userID lists all.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]valet.ScheduledTask, error) {
	q := `SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY next_run`
	args := []any{}
	if userID != "" {
		q = `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE user_id = $1 ORDER BY next_run`
		args = append(args, userID)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask replaces a task row.
func (s *Store) UpdateTask(ctx context.Context, t valet.ScheduledTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal task payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks
		 SET type=$1, schedule=$2, payload_json=$3::jsonb, enabled=$4, updated_at=$5, last_run=$6, next_run=$7
		 WHERE id=$8`,
		t.Type, t.Schedule, string(payload), t.Enabled, t.UpdatedAt, t.LastRun, t.NextRun, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return valet.Errorf(valet.KindNotFound, "postgres.task", "task %q not found", t.ID)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete task: %w", err)
	}
	return nil
}

// SetTaskEnabled flips a task's enabled flag.
func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_tasks SET enabled=$1 WHERE id=$2`, enabled, id)
	if err != nil {
		return fmt.Errorf("postgres: set task enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return valet.Errorf(valet.KindNotFound, "postgres.task", "task %q not found", id)
	}
	return nil
}

// DueTasks returns enabled tasks with next_run at or before now.
func (s *Store) DueTasks(ctx context.Context, now int64) ([]valet.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE enabled = TRUE AND next_run <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (valet.ScheduledTask, error) {
	var t valet.ScheduledTask
	var payload []byte
	err := row.Scan(&t.ID, &t.Type, &t.Schedule, &payload, &t.UserID, &t.ConversationID,
		&t.Enabled, &t.CreatedAt, &t.UpdatedAt, &t.LastRun, &t.NextRun)
	if err != nil {
		return valet.ScheduledTask{}, err
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return valet.ScheduledTask{}, fmt.Errorf("unmarshal task payload: %w", err)
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]valet.ScheduledTask, error) {
	var tasks []valet.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Config ---

// GetConfig returns a config value, or "" when the key is absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get config: %w", err)
	}
	return value, nil
}

// SetConfig inserts or replaces a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres: set config: %w", err)
	}
	return nil
}
