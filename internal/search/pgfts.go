package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated tasks.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []Result{}, 0, nil
	}

	const matches = `
		FROM tasks t
		JOIN participations p ON p.task_id = t.id AND p.user_id = $2
		WHERE t.fts @@ plainto_tsquery('simple', $1)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) `+matches, q.Text, q.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.id, t.title,
			ts_headline('simple', coalesce(t.description, ''), plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			t.status
		%s
		ORDER BY ts_rank(t.fts, plainto_tsquery('simple', $1)) DESC, t.id ASC
		LIMIT %d`, matches, clampLimit(q.Limit)), q.Text, q.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.TaskID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every task with its participant ids for reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.description, t.status, u.login,
			coalesce(array_to_string(array_agg(p.user_id ORDER BY p.joined_at), ','), '')
		FROM tasks t
		JOIN users u ON u.id = t.created_by
		LEFT JOIN participations p ON p.task_id = t.id
		GROUP BY t.id, u.login
	`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	records := make([]TaskRecord, 0)
	for rows.Next() {
		var r TaskRecord
		var participants string
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.CreatedByLogin, &participants); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		r.Participants = splitIDs(participants)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return records, nil
}

func splitIDs(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}
