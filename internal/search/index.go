package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/store"
)

// Hit is one matching record. A record indexed in several locales yields
// one hit per matching locale.
type Hit struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Locale     string `json:"locale"`
	Title      string `json:"title"`
}

// Index keeps a per-locale text index of committed records in _search_index.
type Index struct {
	store *store.Store
	limit int
	now   func() time.Time
}

func New(s *store.Store) *Index {
	return &Index{store: s, limit: 50, now: time.Now}
}

// Index upserts the document for its collection, id and locale.
func (ix *Index) Index(ctx context.Context, doc engine.IndexDocument) error {
	d := ix.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO _search_index (collection, record_id, locale, title, body, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (collection, record_id, locale)
		DO UPDATE SET title = excluded.title, body = excluded.body, updated_at = excluded.updated_at`,
		pb.Add(doc.Collection), pb.Add(doc.ID), pb.Add(doc.Locale),
		pb.Add(doc.Title), pb.Add(doc.Body), pb.Add(d.TimeValue(ix.now())))
	if _, err := store.Exec(ctx, ix.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("index %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

// Remove drops every locale of a record.
func (ix *Index) Remove(ctx context.Context, collection, id string) error {
	pb := ix.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM _search_index WHERE collection = %s AND record_id = %s",
		pb.Add(collection), pb.Add(id))
	if _, err := store.Exec(ctx, ix.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("unindex %s/%s: %w", collection, id, err)
	}
	return nil
}

// Search returns records of collection whose title or body contains every
// word of term, case-insensitively. Title matches rank first.
func (ix *Index) Search(ctx context.Context, collection, term string) ([]Hit, error) {
	words := strings.Fields(strings.ToLower(term))
	if len(words) == 0 {
		return []Hit{}, nil
	}

	pb := ix.store.Dialect.NewParamBuilder()
	clauses := []string{"collection = " + pb.Add(collection)}
	for _, w := range words {
		p := pb.Add("%" + escapeLike(w) + "%")
		clauses = append(clauses, fmt.Sprintf("(LOWER(title) LIKE %s ESCAPE '\\' OR LOWER(body) LIKE %s ESCAPE '\\')", p, p))
	}
	first := pb.Add("%" + escapeLike(words[0]) + "%")
	sqlStr := fmt.Sprintf(`SELECT record_id, locale, title FROM _search_index WHERE %s
		ORDER BY CASE WHEN LOWER(title) LIKE %s ESCAPE '\' THEN 0 ELSE 1 END, title, record_id, locale %s`,
		strings.Join(clauses, " AND "), first, ix.store.Dialect.LimitOffset(ix.limit, 0))

	rows, err := store.QueryRows(ctx, ix.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, Hit{
			Collection: collection,
			ID:         fmt.Sprint(row["record_id"]),
			Locale:     fmt.Sprint(row["locale"]),
			Title:      fmt.Sprint(row["title"]),
		})
	}
	return hits, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
