package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"adrkeeper/internal/domain"
)

const decisionColumns = `id,title,status,problem,context,decision,outcome,options_json,tags_json,related_json,code_refs_json,project_id,version,created_at,updated_at`

type DecisionFilters struct {
	Status    string
	ProjectID string
	Tag       string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (domain.DecisionRecord, error) {
	var d domain.DecisionRecord
	var status, optionsJSON, tagsJSON, relatedJSON, codeRefsJSON, createdAt, updatedAt string
	var projectID sql.NullString
	err := row.Scan(&d.ID, &d.Title, &status, &d.Problem, &d.Context, &d.Decision, &d.Outcome,
		&optionsJSON, &tagsJSON, &relatedJSON, &codeRefsJSON, &projectID, &d.Version, &createdAt, &updatedAt)
	if err != nil {
		return d, err
	}
	d.Status = domain.Status(status)
	d.ProjectID = stringPtr(projectID)
	if d.Options, err = unmarshalList[domain.Option](optionsJSON); err != nil {
		return d, fmt.Errorf("decision %s options: %w", d.ID, err)
	}
	if d.Tags, err = unmarshalList[string](tagsJSON); err != nil {
		return d, fmt.Errorf("decision %s tags: %w", d.ID, err)
	}
	if d.RelatedADRs, err = unmarshalList[string](relatedJSON); err != nil {
		return d, fmt.Errorf("decision %s related: %w", d.ID, err)
	}
	if d.CodeReferences, err = unmarshalList[domain.CodeReference](codeRefsJSON); err != nil {
		return d, fmt.Errorf("decision %s code references: %w", d.ID, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return d, err
	}
	return d, nil
}

type decisionDocument struct {
	options, tags, related, codeRefs string
}

func encodeDecision(d domain.DecisionRecord) (decisionDocument, error) {
	var doc decisionDocument
	var err error
	if doc.options, err = marshalList(d.Options); err != nil {
		return doc, err
	}
	if doc.tags, err = marshalList(d.Tags); err != nil {
		return doc, err
	}
	if doc.related, err = marshalList(d.RelatedADRs); err != nil {
		return doc, err
	}
	if doc.codeRefs, err = marshalList(d.CodeReferences); err != nil {
		return doc, err
	}
	return doc, nil
}

// InsertDecision stores a new record together with its initial status history.
func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.DecisionRecord) error {
	doc, err := encodeDecision(d)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decisions(`+decisionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Title, string(d.Status), d.Problem, d.Context, d.Decision, d.Outcome,
		doc.options, doc.tags, doc.related, doc.codeRefs, nullableStringPtr(d.ProjectID), d.Version,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	for i, sc := range d.StatusHistory {
		if err := r.InsertStatusChange(ctx, tx, d.ID, i+1, sc); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDecision overwrites the stored document when its version still equals
// expectedVersion. d.Version must already hold the new version.
func (r Repo) UpdateDecision(ctx context.Context, tx *sql.Tx, d domain.DecisionRecord, expectedVersion int64) error {
	doc, err := encodeDecision(d)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET title=?, status=?, problem=?, context=?, decision=?, outcome=?,
options_json=?, tags_json=?, related_json=?, code_refs_json=?, project_id=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		d.Title, string(d.Status), d.Problem, d.Context, d.Decision, d.Outcome,
		doc.options, doc.tags, doc.related, doc.codeRefs, nullableStringPtr(d.ProjectID), d.Version, formatTime(d.UpdatedAt),
		d.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := exists(ctx, tx, "decisions", d.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrStaleVersion
	}
	return nil
}

// InsertStatusChange appends one audit entry at position seq (1-based).
func (r Repo) InsertStatusChange(ctx context.Context, tx *sql.Tx, decisionID string, seq int, sc domain.StatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_changes(id,decision_id,seq,from_status,to_status,changed_at,reason) VALUES (?,?,?,?,?,?,?)`,
		sc.ID, decisionID, seq, string(sc.From), string(sc.To), formatTime(sc.Date), sc.Reason)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.DecisionRecord, error) {
	var d domain.DecisionRecord
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = getDecision(ctx, tx, id)
		return err
	})
	return d, err
}

func (r Repo) GetDecisionTx(ctx context.Context, tx *sql.Tx, id string) (domain.DecisionRecord, error) {
	return getDecision(ctx, tx, id)
}

func getDecision(ctx context.Context, q queryer, id string) (domain.DecisionRecord, error) {
	d, err := scanDecision(q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	history, err := listStatusChanges(ctx, q, id)
	if err != nil {
		return d, err
	}
	d.StatusHistory = history
	return d, nil
}

// ListStatusChanges returns the audit trail oldest first, or ErrNotFound when
// the decision does not exist.
func (r Repo) ListStatusChanges(ctx context.Context, decisionID string) ([]domain.StatusChange, error) {
	var res []domain.StatusChange
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "decisions", decisionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		res, err = listStatusChanges(ctx, tx, decisionID)
		return err
	})
	return res, err
}

func listStatusChanges(ctx context.Context, q queryer, decisionID string) ([]domain.StatusChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,from_status,to_status,changed_at,reason FROM status_changes WHERE decision_id=? ORDER BY seq ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StatusChange{}
	for rows.Next() {
		sc, err := scanStatusChange(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func scanStatusChange(row rowScanner, extra ...any) (domain.StatusChange, error) {
	var sc domain.StatusChange
	var from, to, changedAt string
	dest := append(extra, &sc.ID, &from, &to, &changedAt, &sc.Reason)
	if err := row.Scan(dest...); err != nil {
		return sc, err
	}
	sc.From = domain.Status(from)
	sc.To = domain.Status(to)
	t, err := parseTime(changedAt)
	if err != nil {
		return sc, err
	}
	sc.Date = t
	return sc, nil
}

// ListDecisions returns records matching every non-empty filter, newest first.
func (r Repo) ListDecisions(ctx context.Context, f DecisionFilters) ([]domain.DecisionRecord, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(decisions.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return r.queryDecisions(ctx, `SELECT `+decisionColumns+` FROM decisions `+where+` ORDER BY created_at DESC, id DESC`, args...)
}

// GetDecisionsByIDs returns the subset of ids that resolve, in no particular order.
func (r Repo) GetDecisionsByIDs(ctx context.Context, ids []string) ([]domain.DecisionRecord, error) {
	if len(ids) == 0 {
		return []domain.DecisionRecord{}, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return r.queryDecisions(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id IN (`+placeholders(len(ids))+`)`, args...)
}

// queryDecisions loads matching rows and their histories from one snapshot.
func (r Repo) queryDecisions(ctx context.Context, query string, args ...any) ([]domain.DecisionRecord, error) {
	var res []domain.DecisionRecord
	err := r.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = queryDecisions(ctx, tx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func queryDecisions(ctx context.Context, q queryer, query string, args ...any) ([]domain.DecisionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	res := []domain.DecisionRecord{}
	index := map[string]int{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		d.StatusHistory = []domain.StatusChange{}
		index[d.ID] = len(res)
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}
	if err := attachHistories(ctx, q, res, index); err != nil {
		return nil, err
	}
	return res, nil
}

func attachHistories(ctx context.Context, q queryer, records []domain.DecisionRecord, index map[string]int) error {
	args := make([]any, 0, len(records))
	for _, d := range records {
		args = append(args, d.ID)
	}
	rows, err := q.QueryContext(ctx, `SELECT decision_id,id,from_status,to_status,changed_at,reason FROM status_changes
WHERE decision_id IN (`+placeholders(len(args))+`) ORDER BY decision_id, seq ASC`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var decisionID string
		sc, err := scanStatusChange(rows, &decisionID)
		if err != nil {
			return err
		}
		if i, ok := index[decisionID]; ok {
			records[i].StatusHistory = append(records[i].StatusHistory, sc)
		}
	}
	return rows.Err()
}

// DeleteDecision removes the record and, by cascade, its status history.
// It reports whether a row existed.
func (r Repo) DeleteDecision(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM decisions WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
