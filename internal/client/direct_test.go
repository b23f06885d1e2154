package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cagcore/internal/knowledge"
)

func newMockDirect(t *testing.T) (*Direct, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDirectFromDB(sqlx.NewDb(db, "postgres")), mock
}

func itemRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "knowledge_type", "category", "title", "content",
		"created_at", "importance_score", "access_count",
	})
	for _, id := range ids {
		rows.AddRow(id, "procedural", "testing", "title "+id, "content "+id,
			time.Now(), 60, 3)
	}
	return rows
}

func TestDirectSearchKnowledgeByTypes(t *testing.T) {
	direct, mock := newMockDirect(t)

	mock.ExpectQuery(`SELECT .+ FROM knowledge_items WHERE .*knowledge_type IN \(\$\d+, \$\d+\).*ORDER BY created_at DESC LIMIT`).
		WithArgs("procedural", "technical_discovery", 20).
		WillReturnRows(itemRows("k1", "k2"))

	items, err := direct.SearchKnowledge(context.Background(), "",
		[]knowledge.Type{knowledge.TypeProcedural, knowledge.TypeTechnicalDiscovery}, 20)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "k1", items[0].ID)
	assert.Equal(t, knowledge.TypeProcedural, items[0].KnowledgeType)
	assert.Equal(t, 60, items[0].ImportanceScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectSearchKnowledgeTermsAreORed(t *testing.T) {
	direct, mock := newMockDirect(t)

	// Two terms produce two ILIKE groups joined with OR. Matching covers
	// content and category only.
	mock.ExpectQuery(`\(content ILIKE .+ OR category ILIKE .+\) OR \(content ILIKE`).
		WithArgs("%CAG%", "%CAG%", "%pgvector%", "%pgvector%", 15).
		WillReturnRows(itemRows("k3"))

	items, err := direct.SearchKnowledge(context.Background(), "CAG pgvector", nil, 15)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectSearchByCategory(t *testing.T) {
	direct, mock := newMockDirect(t)

	mock.ExpectQuery(`FROM knowledge_items WHERE category ILIKE \$1 OR category ILIKE \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("%database%", "%caching%", 10).
		WillReturnRows(itemRows("k5"))

	items, err := direct.SearchByCategory(context.Background(), []string{"database", "caching"}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "k5", items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectSessionContextFiltersProject(t *testing.T) {
	direct, mock := newMockDirect(t)

	mock.ExpectQuery(`FROM knowledge_items WHERE category ILIKE \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("%knowledge-persistence%", 5).
		WillReturnRows(itemRows("k4"))

	items, err := direct.SessionContext(context.Background(), 5, "knowledge-persistence")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectStoreKnowledge(t *testing.T) {
	direct, mock := newMockDirect(t)

	mock.ExpectExec(`INSERT INTO knowledge_items`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := direct.StoreKnowledge(context.Background(), StoreRequest{
		KnowledgeType: knowledge.TypeContextual,
		Title:         "CAG Query: test",
		Content:       "body",
		Category:      "cag_interaction",
		Importance:    30,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectErrorsAreTransientByDefault(t *testing.T) {
	direct, mock := newMockDirect(t)

	mock.ExpectQuery(`FROM knowledge_items`).
		WillReturnError(assert.AnError)

	_, err := direct.SearchKnowledge(context.Background(), "anything", nil, 3)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDirectWrappedAuthErrorIsPermanent(t *testing.T) {
	direct, mock := newMockDirect(t)

	// Drivers often return the pq error wrapped; classification must still
	// see through it.
	wrapped := fmt.Errorf("query: %w", &pq.Error{Code: "28000"})
	mock.ExpectQuery(`FROM knowledge_items`).
		WillReturnError(wrapped)

	_, err := direct.SearchKnowledge(context.Background(), "anything", nil, 3)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDirectRecentExchangesOrder(t *testing.T) {
	direct, mock := newMockDirect(t)

	rows := sqlmock.NewRows([]string{"role", "content", "created_at"}).
		AddRow("user", "how do I warm the cache?", time.Now().Add(-time.Minute)).
		AddRow("ai", "call WarmCacheForSession", time.Now())
	mock.ExpectQuery(`FROM session_exchanges`).
		WithArgs("S1", 10).
		WillReturnRows(rows)

	exchanges, err := direct.RecentExchanges(context.Background(), "S1", 10)
	require.NoError(t, err)
	require.Len(t, exchanges, 2)
	assert.Equal(t, "user", exchanges[0].Role)
	assert.Equal(t, "ai", exchanges[1].Role)
}
