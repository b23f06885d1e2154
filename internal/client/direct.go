package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"cagcore/internal/knowledge"
	"cagcore/internal/logging"
)

// Direct talks to the knowledge store over SQL. The store exposes a
// knowledge_items relation plus a session_exchanges relation backing the
// session layer (see Exchange).
type Direct struct {
	db *sqlx.DB
}

// NewDirect opens a Postgres connection to the knowledge store and verifies
// it with a ping.
func NewDirect(dsn string) (*Direct, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping knowledge store: %w", err)
	}
	logging.Client("Connected to knowledge store")
	return &Direct{db: db}, nil
}

// NewDirectFromDB wraps an existing connection. Used by tests.
func NewDirectFromDB(db *sqlx.DB) *Direct {
	return &Direct{db: db}
}

// Close releases the underlying connection pool.
func (d *Direct) Close() error { return d.db.Close() }

const itemColumns = "id, knowledge_type, category, title, content, created_at, importance_score, access_count"

// itemRow mirrors the knowledge_items relation; optional attributes are
// nullable in the store.
type itemRow struct {
	ID              string         `db:"id"`
	KnowledgeType   string         `db:"knowledge_type"`
	Category        sql.NullString `db:"category"`
	Title           string         `db:"title"`
	Content         string         `db:"content"`
	CreatedAt       sql.NullTime   `db:"created_at"`
	ImportanceScore sql.NullInt64  `db:"importance_score"`
	AccessCount     sql.NullInt64  `db:"access_count"`
}

func (r itemRow) toItem() knowledge.Item {
	item := knowledge.Item{
		ID:            r.ID,
		Title:         r.Title,
		Content:       r.Content,
		KnowledgeType: knowledge.Type(r.KnowledgeType),
		Category:      r.Category.String,
	}
	if r.CreatedAt.Valid {
		item.CreatedAt = r.CreatedAt.Time
	}
	if r.ImportanceScore.Valid {
		item.ImportanceScore = int(r.ImportanceScore.Int64)
	}
	if r.AccessCount.Valid {
		item.AccessCount = int(r.AccessCount.Int64)
	}
	return item
}

// SearchKnowledge matches query terms against content and category with
// case-insensitive substring matching. Terms are OR-ed, so a query built
// from several keywords matches items containing any of them. An empty
// query returns the most recent items, optionally filtered by type.
func (d *Direct) SearchKnowledge(ctx context.Context, query string, types []knowledge.Type, limit int) ([]knowledge.Item, error) {
	timer := logging.StartTimer(logging.CategoryClient, "Direct.SearchKnowledge")
	defer timer.Stop()

	var conds []string
	var args []interface{}

	terms := strings.Fields(query)
	if len(terms) > 0 {
		var termConds []string
		for _, term := range terms {
			pattern := "%" + term + "%"
			termConds = append(termConds,
				"(content ILIKE ? OR category ILIKE ?)")
			args = append(args, pattern, pattern)
		}
		conds = append(conds, "("+strings.Join(termConds, " OR ")+")")
	}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "knowledge_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	q := "SELECT " + itemColumns + " FROM knowledge_items"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	return d.queryItems(ctx, d.db.Rebind(q), args...)
}

// ContextualKnowledge approximates a situation lookup by searching the
// situation text term-by-term. The direct store has no dedicated contextual
// index; recency ordering stands in for relevance.
func (d *Direct) ContextualKnowledge(ctx context.Context, situation string, maxResults int) ([]knowledge.Item, error) {
	return d.SearchKnowledge(ctx, situation, nil, maxResults)
}

// SearchByCategory returns the most recent items whose category matches any
// of the given tags.
func (d *Direct) SearchByCategory(ctx context.Context, categories []string, limit int) ([]knowledge.Item, error) {
	timer := logging.StartTimer(logging.CategoryClient, "Direct.SearchByCategory")
	defer timer.Stop()

	conds := make([]string, 0, len(categories))
	args := make([]interface{}, 0, len(categories)+1)
	for _, c := range categories {
		conds = append(conds, "category ILIKE ?")
		args = append(args, "%"+c+"%")
	}
	q := "SELECT " + itemColumns + " FROM knowledge_items"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " OR ")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	return d.queryItems(ctx, d.db.Rebind(q), args...)
}

// SessionContext returns recent items, narrowed to the project category when
// one is given.
func (d *Direct) SessionContext(ctx context.Context, maxItems int, project string) ([]knowledge.Item, error) {
	timer := logging.StartTimer(logging.CategoryClient, "Direct.SessionContext")
	defer timer.Stop()

	q := "SELECT " + itemColumns + " FROM knowledge_items"
	var args []interface{}
	if project != "" {
		q += " WHERE category ILIKE ?"
		args = append(args, "%"+project+"%")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, maxItems)

	return d.queryItems(ctx, d.db.Rebind(q), args...)
}

// StoreKnowledge inserts a new knowledge item and returns its generated id.
func (d *Direct) StoreKnowledge(ctx context.Context, req StoreRequest) (string, error) {
	timer := logging.StartTimer(logging.CategoryClient, "Direct.StoreKnowledge")
	defer timer.Stop()

	id := uuid.NewString()
	importance := req.Importance
	if importance <= 0 {
		importance = 50
	}
	q := d.db.Rebind(`INSERT INTO knowledge_items
		(id, knowledge_type, category, title, content, importance_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := d.db.ExecContext(ctx, q,
		id, string(req.KnowledgeType.Normalize()), req.Category, req.Title, req.Content,
		importance, time.Now().UTC())
	if err != nil {
		return "", classify(err)
	}
	logging.ClientDebug("Stored knowledge item %s [%s] %s", id, req.KnowledgeType, req.Title)
	return id, nil
}

func (d *Direct) queryItems(ctx context.Context, q string, args ...interface{}) ([]knowledge.Item, error) {
	var rows []itemRow
	if err := d.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(err)
	}
	items := make([]knowledge.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toItem())
	}
	return items, nil
}

// =============================================================================
// Session exchanges
// =============================================================================

// Exchange is one side of a persisted conversation turn.
type Exchange struct {
	Role      string    `db:"role"` // "user" or "ai"
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// RecentExchanges returns the last n exchanges for a session, oldest first.
func (d *Direct) RecentExchanges(ctx context.Context, sessionID string, n int) ([]Exchange, error) {
	q := d.db.Rebind(`SELECT role, content, created_at FROM (
		SELECT role, content, created_at, seq FROM session_exchanges
		WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	) recent ORDER BY seq ASC`)

	var exchanges []Exchange
	if err := d.db.SelectContext(ctx, &exchanges, q, sessionID, n); err != nil {
		return nil, classify(err)
	}
	return exchanges, nil
}

// AppendExchange persists one side of a conversation turn.
func (d *Direct) AppendExchange(ctx context.Context, sessionID, role, content string) error {
	q := d.db.Rebind(`INSERT INTO session_exchanges (session_id, seq, role, content, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_exchanges WHERE session_id = ?), ?, ?, ?)`)
	if _, err := d.db.ExecContext(ctx, q, sessionID, sessionID, role, content, time.Now().UTC()); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a database error onto the client error taxonomy. Postgres
// class 28 (authorization) and class 42 (schema/syntax) cannot succeed on
// retry; everything else is assumed recoverable.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		if class == "28" || class == "42" {
			return Permanent(err)
		}
	}
	return Transient(err)
}

var _ Client = (*Direct)(nil)
