package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"opsdesk/api/internal/ordering"
	"opsdesk/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const itemColumns = `id, kind, partition, lane, order_key, payload, seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var payload []byte
	if err := row.Scan(&item.ID, &item.Kind, &item.Partition, &item.Lane, &item.OrderKey, &payload, &item.Seq, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Item{}, err
	}
	item.Payload = Payload{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return Item{}, fmt.Errorf("decode payload of %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func encodePayload(payload Payload) ([]byte, error) {
	if payload == nil {
		payload = Payload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// lockLane serializes writers that compute keys for the same lane until the
// surrounding transaction ends.
func lockLane(ctx context.Context, tx *sql.Tx, scope Scope, lane string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope.Kind+"/"+scope.Partition+"/"+lane)
	if err != nil {
		return classify("lock lane", err)
	}
	return nil
}

// lockLanes takes the locks of several lanes of one scope in a fixed order so
// concurrent moves between the same lanes cannot wait on each other.
func lockLanes(ctx context.Context, tx *sql.Tx, scope Scope, lanes ...string) error {
	sorted := append([]string(nil), lanes...)
	sort.Strings(sorted)
	for i, lane := range sorted {
		if i > 0 && lane == sorted[i-1] {
			continue
		}
		if err := lockLane(ctx, tx, scope, lane); err != nil {
			return err
		}
	}
	return nil
}

func laneBounds(ctx context.Context, tx *sql.Tx, scope Scope, lane string) (float64, bool, error) {
	var max float64
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(order_key), 0), COUNT(*)
		FROM items
		WHERE kind=$1 AND partition=$2 AND lane=$3
	`, scope.Kind, scope.Partition, lane).Scan(&max, &count)
	if err != nil {
		return 0, false, classify("read lane bounds", err)
	}
	return max, count == 0, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, item Item) (Item, error) {
	payload, err := encodePayload(item.Payload)
	if err != nil {
		return Item{}, err
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO items (id, kind, partition, lane, order_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+itemColumns,
		item.ID, item.Kind, item.Partition, item.Lane, item.OrderKey, payload)
	created, err := scanItem(row)
	if err != nil {
		return Item{}, classify("insert item", err)
	}
	return created, nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, scope Scope, lane string, payload Payload) (Item, error) {
	var created Item
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockLane(ctx, tx, scope, lane); err != nil {
			return err
		}
		max, empty, err := laneBounds(ctx, tx, scope, lane)
		if err != nil {
			return err
		}
		created, err = insertItem(ctx, tx, Item{
			ID:        util.NewID("itm"),
			Kind:      scope.Kind,
			Partition: scope.Partition,
			Lane:      lane,
			OrderKey:  ordering.After(max, empty),
			Payload:   payload,
		})
		return err
	})
	if err != nil {
		return Item{}, err
	}
	return created, nil
}

func (s *PostgresStore) CreateItems(ctx context.Context, scope Scope, lane string, payloads []Payload) ([]Item, error) {
	created := make([]Item, 0, len(payloads))
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockLane(ctx, tx, scope, lane); err != nil {
			return err
		}
		max, empty, err := laneBounds(ctx, tx, scope, lane)
		if err != nil {
			return err
		}
		keys := ordering.Sequence(max, empty, len(payloads))
		for i, payload := range payloads {
			item, err := insertItem(ctx, tx, Item{
				ID:        util.NewID("itm"),
				Kind:      scope.Kind,
				Partition: scope.Partition,
				Lane:      lane,
				OrderKey:  keys[i],
				Payload:   payload,
			})
			if err != nil {
				return err
			}
			created = append(created, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, itemID))
	if err != nil {
		return Item{}, classify("get item", err)
	}
	return item, nil
}

func (s *PostgresStore) MoveItem(ctx context.Context, itemID, lane string, index int) (Item, error) {
	var moved Item
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, itemID))
		if err != nil {
			return classify("load item", err)
		}
		// Lane locks come before row locks, matching RenormalizeLane.
		scope := current.Scope()
		if err := lockLanes(ctx, tx, scope, current.Lane, lane); err != nil {
			return err
		}
		if _, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1 FOR UPDATE`, itemID)); err != nil {
			return classify("lock item", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT order_key
			FROM items
			WHERE kind=$1 AND partition=$2 AND lane=$3 AND id<>$4
			ORDER BY order_key, seq, id
		`, scope.Kind, scope.Partition, lane, itemID)
		if err != nil {
			return classify("read lane keys", err)
		}
		keys := make([]float64, 0)
		for rows.Next() {
			var key float64
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return classify("scan lane key", err)
			}
			keys = append(keys, key)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return classify("iterate lane keys", err)
		}
		rows.Close()

		moved, err = scanItem(tx.QueryRowContext(ctx, `
			UPDATE items SET lane=$2, order_key=$3, updated_at=NOW()
			WHERE id=$1
			RETURNING `+itemColumns,
			itemID, lane, ordering.KeyAt(keys, index)))
		if err != nil {
			return classify("move item", err)
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return moved, nil
}

func (s *PostgresStore) UpdateItemPayload(ctx context.Context, itemID string, payload Payload) (Item, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Item{}, err
	}
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE items SET payload=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+itemColumns, itemID, raw))
	if err != nil {
		return Item{}, classify("update item payload", err)
	}
	return item, nil
}

// DeleteItem removes the item together with its tag links.
func (s *PostgresStore) DeleteItem(ctx context.Context, itemID string) (Item, error) {
	var deleted Item
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		deleted, err = scanItem(tx.QueryRowContext(ctx, `DELETE FROM items WHERE id=$1 RETURNING `+itemColumns, itemID))
		if err != nil {
			return classify("delete item", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tag_links WHERE item_id=$1`, itemID); err != nil {
			return classify("delete item tag links", err)
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return deleted, nil
}

func (s *PostgresStore) ListLane(ctx context.Context, scope Scope, lane string) ([]Item, error) {
	return s.queryItems(ctx, "list lane", `
		SELECT `+itemColumns+`
		FROM items
		WHERE kind=$1 AND partition=$2 AND lane=$3
		ORDER BY order_key, seq, id
	`, scope.Kind, scope.Partition, lane)
}

// ListItems returns every item of the scope, newest first.
func (s *PostgresStore) ListItems(ctx context.Context, scope Scope) ([]Item, error) {
	return s.queryItems(ctx, "list items", `
		SELECT `+itemColumns+`
		FROM items
		WHERE kind=$1 AND partition=$2
		ORDER BY created_at DESC, seq DESC
	`, scope.Kind, scope.Partition)
}

// ListAllItems returns every item of every collection, newest first.
func (s *PostgresStore) ListAllItems(ctx context.Context) ([]Item, error) {
	return s.queryItems(ctx, "list all items", `
		SELECT `+itemColumns+`
		FROM items
		ORDER BY created_at DESC, seq DESC
	`)
}

func (s *PostgresStore) queryItems(ctx context.Context, op, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return items, nil
}

// RenormalizeLane rewrites the lane's keys to 0..n-1 in their current order.
func (s *PostgresStore) RenormalizeLane(ctx context.Context, scope Scope, lane string) (int, error) {
	count := 0
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockLane(ctx, tx, scope, lane); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE items SET order_key = ranked.position, updated_at = NOW()
			FROM (
				SELECT id, (ROW_NUMBER() OVER (ORDER BY order_key, seq, id) - 1)::double precision AS position
				FROM items
				WHERE kind=$1 AND partition=$2 AND lane=$3
			) AS ranked
			WHERE items.id = ranked.id
		`, scope.Kind, scope.Partition, lane)
		if err != nil {
			return classify("renormalize lane", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return classify("renormalize lane", err)
		}
		count = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

const tagColumns = `id, name, color, archived, created_at`

func scanTag(row rowScanner) (Tag, error) {
	var tag Tag
	err := row.Scan(&tag.ID, &tag.Name, &tag.Color, &tag.Archived, &tag.CreatedAt)
	return tag, err
}

// CreateTag inserts a tag whose color is picked from the number of tags that
// already exist.
func (s *PostgresStore) CreateTag(ctx context.Context, name string, colorFor func(count int) string) (Tag, error) {
	var created Tag
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('tags'))`); err != nil {
			return classify("lock tags", err)
		}
		var count int
		var taken bool
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(BOOL_OR(NOT archived AND LOWER(name) = LOWER($1)), FALSE)
			FROM tags
		`, name).Scan(&count, &taken)
		if err != nil {
			return classify("count tags", err)
		}
		if taken {
			return fmt.Errorf("create tag %q: %w", name, ErrConflict)
		}
		created, err = scanTag(tx.QueryRowContext(ctx, `
			INSERT INTO tags (id, name, color)
			VALUES ($1, $2, $3)
			RETURNING `+tagColumns,
			util.NewID("tag"), name, colorFor(count)))
		if err != nil {
			return classify("insert tag", err)
		}
		return nil
	})
	if err != nil {
		return Tag{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetTag(ctx context.Context, tagID string) (Tag, error) {
	tag, err := scanTag(s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id=$1`, tagID))
	if err != nil {
		return Tag{}, classify("get tag", err)
	}
	return tag, nil
}

func (s *PostgresStore) ListTags(ctx context.Context, includeArchived bool) ([]Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags`
	if !includeArchived {
		query += ` WHERE NOT archived`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("list tags", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, classify("scan tag", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate tags", err)
	}
	return tags, nil
}

func (s *PostgresStore) UpdateTag(ctx context.Context, tagID string, patch TagPatch) (Tag, error) {
	var name, color sql.NullString
	var archived sql.NullBool
	if patch.Name != nil {
		name = sql.NullString{String: *patch.Name, Valid: true}
	}
	if patch.Color != nil {
		color = sql.NullString{String: *patch.Color, Valid: true}
	}
	if patch.Archived != nil {
		archived = sql.NullBool{Bool: *patch.Archived, Valid: true}
	}
	tag, err := scanTag(s.db.QueryRowContext(ctx, `
		UPDATE tags SET
			name = COALESCE($2, name),
			color = COALESCE($3, color),
			archived = COALESCE($4, archived)
		WHERE id=$1
		RETURNING `+tagColumns, tagID, name, color, archived))
	if err != nil {
		return Tag{}, classify("update tag", err)
	}
	return tag, nil
}

// DeleteTag removes every link to the tag and then the tag in one transaction.
func (s *PostgresStore) DeleteTag(ctx context.Context, tagID string) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tag_links WHERE tag_id=$1`, tagID); err != nil {
			return classify("delete tag links", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE id=$1`, tagID)
		if err != nil {
			return classify("delete tag", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return classify("delete tag", err)
		}
		if affected == 0 {
			return fmt.Errorf("delete tag %s: %w", tagID, ErrNotFound)
		}
		return nil
	})
}

func requireTag(ctx context.Context, tx *sql.Tx, tagID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tags WHERE id=$1)`, tagID).Scan(&exists)
	if err != nil {
		return classify("check tag", err)
	}
	if !exists {
		return fmt.Errorf("tag %s: %w", tagID, ErrNotFound)
	}
	return nil
}

// LinkTag reports whether a new link was created; an existing link is kept.
func (s *PostgresStore) LinkTag(ctx context.Context, itemID, tagID string) (bool, error) {
	added := false
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireTag(ctx, tx, tagID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO tag_links (id, item_id, tag_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (item_id, tag_id) DO NOTHING
		`, util.NewID("lnk"), itemID, tagID)
		if err != nil {
			return classify("link tag", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return classify("link tag", err)
		}
		added = affected > 0
		return nil
	})
	return added, err
}

// UnlinkTag reports whether a link was removed; a missing link is not an error.
func (s *PostgresStore) UnlinkTag(ctx context.Context, itemID, tagID string) (bool, error) {
	removed := false
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireTag(ctx, tx, tagID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM tag_links WHERE item_id=$1 AND tag_id=$2`, itemID, tagID)
		if err != nil {
			return classify("unlink tag", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return classify("unlink tag", err)
		}
		removed = affected > 0
		return nil
	})
	return removed, err
}

// ToggleTag flips the link between item and tag using the state read inside
// the transaction, and reports whether the link exists afterwards.
func (s *PostgresStore) ToggleTag(ctx context.Context, itemID, tagID string) (bool, error) {
	present := false
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireTag(ctx, tx, tagID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "link/"+itemID+"/"+tagID); err != nil {
			return classify("lock link", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM tag_links WHERE item_id=$1 AND tag_id=$2`, itemID, tagID)
		if err != nil {
			return classify("toggle tag", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return classify("toggle tag", err)
		}
		if affected > 0 {
			present = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tag_links (id, item_id, tag_id) VALUES ($1, $2, $3)
		`, util.NewID("lnk"), itemID, tagID); err != nil {
			return classify("toggle tag", err)
		}
		present = true
		return nil
	})
	return present, err
}

func (s *PostgresStore) TaggedItemIDs(ctx context.Context, tagID string) ([]string, error) {
	var ids []string
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireTag(ctx, tx, tagID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT item_id FROM tag_links WHERE tag_id=$1 ORDER BY created_at, id`, tagID)
		if err != nil {
			return classify("list tagged items", err)
		}
		defer rows.Close()
		ids = make([]string, 0)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return classify("scan tagged item", err)
			}
			ids = append(ids, id)
		}
		return classify("iterate tagged items", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListLinks returns the links of the given items, or every link when itemIDs is empty.
func (s *PostgresStore) ListLinks(ctx context.Context, itemIDs []string) ([]TagLink, error) {
	query := `SELECT id, item_id, tag_id, created_at FROM tag_links`
	args := []any{}
	if len(itemIDs) > 0 {
		placeholders := make([]string, len(itemIDs))
		for i, id := range itemIDs {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		query += ` WHERE item_id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list links", err)
	}
	defer rows.Close()

	links := make([]TagLink, 0)
	for rows.Next() {
		var link TagLink
		if err := rows.Scan(&link.ID, &link.ItemID, &link.TagID, &link.CreatedAt); err != nil {
			return nil, classify("scan link", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate links", err)
	}
	return links, nil
}

const docColumns = `id, partition, title, body, created_at, updated_at`

func scanDoc(row rowScanner) (Doc, error) {
	var doc Doc
	err := row.Scan(&doc.ID, &doc.Partition, &doc.Title, &doc.Body, &doc.CreatedAt, &doc.UpdatedAt)
	return doc, err
}

func (s *PostgresStore) CreateDoc(ctx context.Context, doc Doc) (Doc, error) {
	if doc.ID == "" {
		doc.ID = util.NewID("doc")
	}
	created, err := scanDoc(s.db.QueryRowContext(ctx, `
		INSERT INTO docs (id, partition, title, body)
		VALUES ($1, $2, $3, $4)
		RETURNING `+docColumns, doc.ID, doc.Partition, doc.Title, doc.Body))
	if err != nil {
		return Doc{}, classify("insert doc", err)
	}
	return created, nil
}

func (s *PostgresStore) GetDoc(ctx context.Context, docID string) (Doc, error) {
	doc, err := scanDoc(s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM docs WHERE id=$1`, docID))
	if err != nil {
		return Doc{}, classify("get doc", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpdateDoc(ctx context.Context, docID string, patch DocPatch) (Doc, error) {
	var title, body sql.NullString
	if patch.Title != nil {
		title = sql.NullString{String: *patch.Title, Valid: true}
	}
	if patch.Body != nil {
		body = sql.NullString{String: *patch.Body, Valid: true}
	}
	doc, err := scanDoc(s.db.QueryRowContext(ctx, `
		UPDATE docs SET
			title = COALESCE($2, title),
			body = COALESCE($3, body),
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+docColumns, docID, title, body))
	if err != nil {
		return Doc{}, classify("update doc", err)
	}
	return doc, nil
}

func (s *PostgresStore) DeleteDoc(ctx context.Context, docID string) (Doc, error) {
	doc, err := scanDoc(s.db.QueryRowContext(ctx, `DELETE FROM docs WHERE id=$1 RETURNING `+docColumns, docID))
	if err != nil {
		return Doc{}, classify("delete doc", err)
	}
	return doc, nil
}

// ListDocs returns the partition's docs, most recently updated first. An
// empty partition lists every doc.
func (s *PostgresStore) ListDocs(ctx context.Context, partition string) ([]Doc, error) {
	query := `SELECT ` + docColumns + ` FROM docs`
	args := []any{}
	if partition != "" {
		query += ` WHERE partition=$1`
		args = append(args, partition)
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list docs", err)
	}
	defer rows.Close()

	docs := make([]Doc, 0)
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, classify("scan doc", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate docs", err)
	}
	return docs, nil
}
