package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/kindredco/kindred/pkg/models"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresBackend implements all stores against PostgreSQL.
type PostgresBackend struct {
	db *sql.DB

	// Prepared statements for the hot turn path.
	stmtCreateConv   *sql.Stmt
	stmtGetConv      *sql.Stmt
	stmtListConv     *sql.Stmt
	stmtTouchConv    *sql.Stmt
	stmtAppendMsg    *sql.Stmt
	stmtListMsgs     *sql.Stmt
	stmtCountMsgs    *sql.Stmt
	stmtListMemories *sql.Stmt
	stmtFindMemory   *sql.Stmt
	stmtGetAgent     *sql.Stmt
}

// DB exposes the underlying connection for related stores such as the
// retrieval searcher.
func (p *PostgresBackend) DB() *sql.DB {
	return p.db
}

// NewPostgresStores opens a connection pool, verifies connectivity, and
// prepares statements. The returned Stores closes the pool on Close.
func NewPostgresStores(dsn string, config *PostgresConfig) (*Stores, *PostgresBackend, error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &PostgresBackend{db: db}
	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	stores := &Stores{
		Conversations: &pgConversations{backend},
		Messages:      &pgMessages{backend},
		Memories:      &pgMemories{backend},
		Agents:        &pgAgents{backend},
		closer:        backend.Close,
	}
	return stores, backend, nil
}

func (p *PostgresBackend) prepareStatements() error {
	var err error

	p.stmtCreateConv, err = p.db.Prepare(`
		INSERT INTO conversations (id, tenant_id, user_id, title, agent_id, model, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create conversation: %w", err)
	}

	p.stmtGetConv, err = p.db.Prepare(`
		SELECT id, tenant_id, user_id, title, agent_id, model, metadata, created_at, updated_at
		FROM conversations WHERE id = $1 AND tenant_id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get conversation: %w", err)
	}

	p.stmtListConv, err = p.db.Prepare(`
		SELECT id, tenant_id, user_id, title, agent_id, model, metadata, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND user_id = $2
		  AND ($3 OR NOT COALESCE((metadata->>'archived')::boolean, false))
		ORDER BY updated_at DESC, id
		LIMIT $4 OFFSET $5
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list conversations: %w", err)
	}

	// GREATEST keeps updated_at strictly increasing even when the server
	// clock lands on the stored instant.
	p.stmtTouchConv, err = p.db.Prepare(`
		UPDATE conversations
		SET updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
		WHERE id = $1 AND tenant_id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare touch conversation: %w", err)
	}

	p.stmtAppendMsg, err = p.db.Prepare(`
		INSERT INTO messages (id, conversation_id, tenant_id, role, content, tool_calls, tool_results, usage, parent_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append message: %w", err)
	}

	p.stmtListMsgs, err = p.db.Prepare(`
		SELECT id, conversation_id, tenant_id, role, content, tool_calls, tool_results, usage, parent_message_id, created_at
		FROM messages WHERE conversation_id = $1 AND tenant_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list messages: %w", err)
	}

	p.stmtCountMsgs, err = p.db.Prepare(`
		SELECT count(*) FROM messages WHERE conversation_id = $1 AND tenant_id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count messages: %w", err)
	}

	p.stmtListMemories, err = p.db.Prepare(`
		SELECT id, user_id, tenant_id, category, key, value, source, created_at, updated_at
		FROM memories WHERE user_id = $1 AND tenant_id = $2
		ORDER BY category, key
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list memories: %w", err)
	}

	p.stmtFindMemory, err = p.db.Prepare(`
		SELECT id, user_id, tenant_id, category, key, value, source, created_at, updated_at
		FROM memories WHERE user_id = $1 AND tenant_id = $2 AND category = $3 AND key = $4
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare find memory: %w", err)
	}

	p.stmtGetAgent, err = p.db.Prepare(`
		SELECT id, tenant_id, name, instructions, artifact_instructions, knowledge_base_id, model, provider, temperature, top_p, max_tokens, created_at, updated_at
		FROM agents WHERE id = $1 AND tenant_id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get agent: %w", err)
	}

	return nil
}

// Close closes prepared statements and the pool.
func (p *PostgresBackend) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		p.stmtCreateConv, p.stmtGetConv, p.stmtListConv, p.stmtTouchConv,
		p.stmtAppendMsg, p.stmtListMsgs, p.stmtCountMsgs,
		p.stmtListMemories, p.stmtFindMemory, p.stmtGetAgent,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

type pgConversations struct{ p *PostgresBackend }

func (s *pgConversations) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.p.stmtCreateConv.ExecContext(ctx,
		conv.ID, conv.TenantID, conv.UserID, conv.Title, conv.AgentID,
		conv.Model, metadata, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *pgConversations) Get(ctx context.Context, id, tenantID string) (*models.Conversation, error) {
	row := s.p.stmtGetConv.QueryRowContext(ctx, id, tenantID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

func (s *pgConversations) List(ctx context.Context, tenantID, userID string, opts ListOptions) ([]*models.Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.p.stmtListConv.QueryContext(ctx, tenantID, userID, opts.IncludeArchived, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (s *pgConversations) SetTitle(ctx context.Context, id, tenantID, title string) error {
	res, err := s.p.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1 WHERE id = $2 AND tenant_id = $3`,
		title, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return requireRow(res)
}

func (s *pgConversations) SetArchived(ctx context.Context, id, tenantID string, archived bool) error {
	res, err := s.p.db.ExecContext(ctx,
		`UPDATE conversations
		 SET metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('archived', $1::boolean)
		 WHERE id = $2 AND tenant_id = $3`,
		archived, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to set archived: %w", err)
	}
	return requireRow(res)
}

func (s *pgConversations) Touch(ctx context.Context, id, tenantID string) error {
	res, err := s.p.stmtTouchConv.ExecContext(ctx, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return requireRow(res)
}

func (s *pgConversations) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.p.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, title, agent_id, model, metadata, created_at, updated_at
		 FROM conversations
		 WHERE updated_at < $1 AND NOT COALESCE((metadata->>'archived')::boolean, false)
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle conversations: %w", err)
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

type pgMessages struct{ p *PostgresBackend }

func (s *pgMessages) Append(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	usage, err := json.Marshal(msg.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	_, err = s.p.stmtAppendMsg.ExecContext(ctx,
		msg.ID, msg.ConversationID, msg.TenantID, msg.Role, msg.Content,
		toolCalls, toolResults, usage, nullString(msg.ParentMessageID), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *pgMessages) Get(ctx context.Context, id, tenantID string) (*models.Message, error) {
	row := s.p.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, tenant_id, role, content, tool_calls, tool_results, usage, parent_message_id, created_at
		 FROM messages WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *pgMessages) List(ctx context.Context, conversationID, tenantID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.p.stmtListMsgs.QueryContext(ctx, conversationID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query returns newest first; callers want chronological order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (s *pgMessages) Count(ctx context.Context, conversationID, tenantID string) (int, error) {
	var count int
	if err := s.p.stmtCountMsgs.QueryRowContext(ctx, conversationID, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *pgMessages) UpdateArtifactContent(ctx context.Context, conversationID, messageID, tenantID, toolCallID, content string) error {
	tx, err := s.p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT tool_results FROM messages
		 WHERE id = $1 AND conversation_id = $2 AND tenant_id = $3
		 FOR UPDATE`,
		messageID, conversationID, tenantID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load tool results: %w", err)
	}

	var results []models.ToolResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &results); err != nil {
			return fmt.Errorf("failed to unmarshal tool results: %w", err)
		}
	}

	found := false
	for i := range results {
		if results[i].ToolCallID != toolCallID {
			continue
		}
		updated, err := replaceArtifactContent(results[i].Result, content)
		if err != nil {
			return err
		}
		results[i].Result = updated
		found = true
		break
	}
	if !found {
		return ErrNotFound
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET tool_results = $1 WHERE id = $2 AND tenant_id = $3`,
		encoded, messageID, tenantID,
	); err != nil {
		return fmt.Errorf("failed to update tool results: %w", err)
	}
	return tx.Commit()
}

type pgMemories struct{ p *PostgresBackend }

func (s *pgMemories) ListByUser(ctx context.Context, userID, tenantID string) ([]*models.Memory, error) {
	rows, err := s.p.stmtListMemories.QueryContext(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var result []*models.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, mem)
	}
	return result, rows.Err()
}

func (s *pgMemories) Find(ctx context.Context, userID, tenantID string, category models.MemoryCategory, key string) (*models.Memory, error) {
	row := s.p.stmtFindMemory.QueryRowContext(ctx, userID, tenantID, string(category), key)
	mem, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mem, err
}

func (s *pgMemories) Upsert(ctx context.Context, mem *models.Memory) (string, error) {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	now := time.Now()

	// xmax = 0 distinguishes a fresh insert from a conflict update. The
	// DO UPDATE predicate skips identical values so those surface as noop.
	var id string
	var inserted bool
	err := s.p.db.QueryRowContext(ctx,
		`INSERT INTO memories (id, user_id, tenant_id, category, key, value, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (user_id, tenant_id, category, key) DO UPDATE
		 SET value = EXCLUDED.value, source = EXCLUDED.source, updated_at = EXCLUDED.updated_at
		 WHERE memories.value IS DISTINCT FROM EXCLUDED.value
		 RETURNING id, (xmax = 0)`,
		mem.ID, mem.UserID, mem.TenantID, string(mem.Category), mem.Key,
		mem.Value, string(mem.Source), now,
	).Scan(&id, &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return "noop", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert memory: %w", err)
	}

	mem.ID = id
	if inserted {
		return "insert", nil
	}
	return "update", nil
}

func (s *pgMemories) Delete(ctx context.Context, id, tenantID string) error {
	res, err := s.p.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return requireRow(res)
}

type pgAgents struct{ p *PostgresBackend }

func (s *pgAgents) Get(ctx context.Context, id, tenantID string) (*models.Agent, error) {
	var (
		agent    models.Agent
		artifact sql.NullString
		kb       sql.NullString
	)
	err := s.p.stmtGetAgent.QueryRowContext(ctx, id, tenantID).Scan(
		&agent.ID, &agent.TenantID, &agent.Name, &agent.Instructions,
		&artifact, &kb, &agent.Model, &agent.Provider,
		&agent.Temperature, &agent.TopP, &agent.MaxTokens,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	agent.ArtifactInstructions = artifact.String
	agent.KnowledgeBaseID = kb.String
	return &agent, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv     models.Conversation
		metadata []byte
	)
	err := row.Scan(&conv.ID, &conv.TenantID, &conv.UserID, &conv.Title,
		&conv.AgentID, &conv.Model, &metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg         models.Message
		toolCalls   []byte
		toolResults []byte
		usage       []byte
		parent      sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.TenantID, &msg.Role,
		&msg.Content, &toolCalls, &toolResults, &usage, &parent, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	if len(toolResults) > 0 {
		if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
		}
	}
	if len(usage) > 0 && string(usage) != "null" {
		msg.Usage = &models.Usage{}
		if err := json.Unmarshal(usage, msg.Usage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
	}
	msg.ParentMessageID = parent.String
	return &msg, nil
}

func scanMemory(row rowScanner) (*models.Memory, error) {
	var mem models.Memory
	err := row.Scan(&mem.ID, &mem.UserID, &mem.TenantID, &mem.Category,
		&mem.Key, &mem.Value, &mem.Source, &mem.CreatedAt, &mem.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
