package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over items and docs using plainto_tsquery and
// ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	partitionFilter := ""
	if q.Partition != "" {
		args = append(args, q.Partition)
		partitionFilter = " AND partition = $2"
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultItem {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'item'::text AS type, id, kind, partition,
				coalesce(payload->>'title', '') AS title,
				ts_headline('english', coalesce(payload->>'description', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(fts, %s) AS rank
			FROM items
			WHERE fts @@ %s%s`, tsQuery, tsQuery, tsQuery, partitionFilter))
	}
	if q.FilterType == "" || q.FilterType == ResultDoc {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'doc'::text AS type, id, ''::text AS kind, partition,
				title,
				ts_headline('english', coalesce(body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(fts, %s) AS rank
			FROM docs
			WHERE fts @@ %s%s`, tsQuery, tsQuery, tsQuery, partitionFilter))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, kind, partition, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Kind, &r.Partition, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
