package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"adrkeeper/internal/config"
	"adrkeeper/internal/domain"
	"adrkeeper/internal/events"
	"adrkeeper/internal/repo"
)

// ErrConflict is returned when a caller-pinned version no longer matches, or
// when concurrent writers keep winning the compare-and-swap.
var ErrConflict = errors.New("version conflict")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// casAttempts bounds the re-read loop for unpinned updates.
const casAttempts = 3

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger

	views *viewCache
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		views:  newViewCache(cfg.Cache.Size, cfg.CacheTTL()),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// appendEvent writes the audit event for a mutation inside tx.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, kind, id string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, kind, id, ActorFrom(ctx), payload)
}

// inTx runs fn in a transaction and purges cached views once it commits.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.views.purge()
	return nil
}

type actorKey struct{}

// WithActor attaches the acting identity recorded on events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor attached by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

func newID() string {
	return uuid.NewString()
}

func requireText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(field, "is required")
	}
	return nil
}

func parseStatus(field, v string) (domain.Status, error) {
	st, err := domain.ParseStatus(v)
	if err != nil {
		return "", invalid(field, fmt.Sprintf("unknown status %q", v))
	}
	return st, nil
}

func optionalString(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

// fillOptionIDs assigns ids to options that arrive without one.
func fillOptionIDs(opts []domain.Option) []domain.Option {
	out := make([]domain.Option, 0, len(opts))
	for _, o := range opts {
		if o.ID == "" {
			o.ID = newID()
		}
		if o.Pros == nil {
			o.Pros = []string{}
		}
		if o.Cons == nil {
			o.Cons = []string{}
		}
		out = append(out, o)
	}
	return out
}

func fillCodeRefIDs(refs []domain.CodeReference) []domain.CodeReference {
	out := make([]domain.CodeReference, 0, len(refs))
	for _, r := range refs {
		if r.ID == "" {
			r.ID = newID()
		}
		out = append(out, r)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
