package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wirline/internal/catalog"
	"wirline/internal/config"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
	"wirline/internal/lock"
	"wirline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Catalog  catalog.Reader
	Ledger   ledger.Writer
	Config   *config.Config
	Policy   auth.Policy
	Locker   lock.Locker
	Logger   *logrus.Logger
	Validate *validator.Validate
	Now      func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       conn,
		Catalog:  catalog.SQL{},
		Ledger:   ledger.Writer{Now: time.Now},
		Config:   cfg,
		Policy:   auth.NewRolePolicy(cfg.Policy.Roles),
		Locker:   lock.NewLocal(),
		Validate: validator.New(),
		Now:      time.Now,
	}
}

// Caller identifies who performs an operation. Role is an opaque label handed
// to the policy.
type Caller struct {
	Actor domain.Actor
	Role  string
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return domain.Timestamp(e.now())
}

func (e Engine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (e Engine) policy() auth.Policy {
	if e.Policy != nil {
		return e.Policy
	}
	return auth.AllowAll{}
}

func (e Engine) validate(v any) error {
	if e.Validate == nil {
		return nil
	}
	err := e.Validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return invalid(f.Field(), fmt.Sprintf("failed %s", f.Tag()))
	}
	return err
}

func (e Engine) authorize(ctx context.Context, c Caller, action string, w domain.WIR) error {
	return e.policy().Authorize(ctx, c.Actor, c.Role, action, w)
}

// ledgerWriter keeps history timestamps on the engine clock.
func (e Engine) ledgerWriter() ledger.Writer {
	w := e.Ledger
	w.Now = e.now
	return w
}

func (e Engine) record(ctx context.Context, q db.Querier, w domain.WIR, action domain.Action, c Caller, notes string, meta ledger.Meta, from, to domain.Status) error {
	_, err := e.ledgerWriter().Record(ctx, q, ledger.Entry{
		WirID:     w.ID,
		ProjectID: w.ProjectID,
		Action:    action,
		Actor:     c.Actor,
		Notes:     notes,
		Meta:      meta,
		From:      from,
		To:        to,
	})
	return err
}

// startSpan opens a span named after the operation on the wir.
func startSpan(ctx context.Context, op, wirID string) (context.Context, trace.Span) {
	return otel.Tracer("wirline/engine").Start(ctx, "wir."+op,
		trace.WithAttributes(wirAttr(wirID)),
	)
}

func wirAttr(id string) attribute.KeyValue {
	return attribute.String("wir.id", id)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e Engine) logMutation(w domain.WIR, action domain.Action, c Caller) {
	e.logger().WithFields(logrus.Fields{
		"wir_id":     w.ID,
		"project_id": w.ProjectID,
		"action":     string(action),
		"status":     string(w.Status),
		"version":    w.Version,
		"actor":      c.Actor.Label(),
	}).Info("wir mutated")
}

// load reads w with its checklists, items and derived version.
func (e Engine) load(ctx context.Context, q db.Querier, id string) (domain.WIR, error) {
	w, err := e.Repo.GetWIR(ctx, q, id)
	if err != nil {
		return w, err
	}
	return e.hydrate(ctx, q, w)
}

func (e Engine) hydrate(ctx context.Context, q db.Querier, w domain.WIR) (domain.WIR, error) {
	var err error
	if w.Checklists, err = e.Repo.ListChecklists(ctx, q, w.ID); err != nil {
		return w, fmt.Errorf("load checklists: %w", err)
	}
	if w.Items, err = e.Repo.ListItems(ctx, q, w.ID); err != nil {
		return w, fmt.Errorf("load items: %w", err)
	}
	if w.Version, err = ledger.Version(ctx, q, w.ID); err != nil {
		return w, err
	}
	return w, nil
}

// lockCodes takes the allocation lock for the configured prefix.
func (e Engine) lockCodes(ctx context.Context) (func(), error) {
	if e.Locker == nil {
		return func() {}, nil
	}
	return e.Locker.Acquire(ctx, "wir-code:"+e.codePrefix())
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
