package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"adrkeeper/internal/domain"
)

const insightColumns = `id,title,content,tags_json,code_refs_json,adr_id,created_at`

type InsightFilters struct {
	ADRID string
}

func scanInsight(row rowScanner) (domain.Insight, error) {
	var in domain.Insight
	var tagsJSON, codeRefsJSON, createdAt string
	var adrID sql.NullString
	if err := row.Scan(&in.ID, &in.Title, &in.Content, &tagsJSON, &codeRefsJSON, &adrID, &createdAt); err != nil {
		return in, err
	}
	var err error
	in.ADRID = stringPtr(adrID)
	if in.Tags, err = unmarshalList[string](tagsJSON); err != nil {
		return in, fmt.Errorf("insight %s tags: %w", in.ID, err)
	}
	if in.CodeReferences, err = unmarshalList[domain.CodeReference](codeRefsJSON); err != nil {
		return in, fmt.Errorf("insight %s code references: %w", in.ID, err)
	}
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return in, err
	}
	return in, nil
}

func (r Repo) InsertInsight(ctx context.Context, tx *sql.Tx, in domain.Insight) error {
	tags, err := marshalList(in.Tags)
	if err != nil {
		return err
	}
	refs, err := marshalList(in.CodeReferences)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO insights(`+insightColumns+`) VALUES (?,?,?,?,?,?,?)`,
		in.ID, in.Title, in.Content, tags, refs, nullableStringPtr(in.ADRID), formatTime(in.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

// UpdateInsight overwrites the editable fields of an insight. adr_id is left alone.
func (r Repo) UpdateInsight(ctx context.Context, tx *sql.Tx, in domain.Insight) error {
	tags, err := marshalList(in.Tags)
	if err != nil {
		return err
	}
	refs, err := marshalList(in.CodeReferences)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE insights SET title=?, content=?, tags_json=?, code_refs_json=? WHERE id=?`,
		in.Title, in.Content, tags, refs, in.ID)
	if err != nil {
		return fmt.Errorf("update insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInsightADR records the decision an insight was converted into.
func (r Repo) SetInsightADR(ctx context.Context, tx *sql.Tx, id, adrID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE insights SET adr_id=? WHERE id=?`, adrID, id)
	if err != nil {
		return fmt.Errorf("link insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInsight(ctx context.Context, id string) (domain.Insight, error) {
	return getInsight(ctx, r.DB, id)
}

func (r Repo) GetInsightTx(ctx context.Context, tx *sql.Tx, id string) (domain.Insight, error) {
	return getInsight(ctx, tx, id)
}

func getInsight(ctx context.Context, q queryer, id string) (domain.Insight, error) {
	in, err := scanInsight(q.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) ListInsights(ctx context.Context, f InsightFilters) ([]domain.Insight, error) {
	query := `SELECT ` + insightColumns + ` FROM insights`
	var args []any
	if f.ADRID != "" {
		query += ` WHERE adr_id=?`
		args = append(args, f.ADRID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Insight{}
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) DeleteInsight(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
