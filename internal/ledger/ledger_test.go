package ledger_test

import (
	"context"
	"testing"
	"time"

	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/ledger"
	"wirline/internal/migrate"
)

func TestVersionAndHistory(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	w := ledger.Writer{Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}}
	uid, name := "u-1", "Inspector One"
	entries := []ledger.Entry{
		{Action: domain.ActionCreated, To: domain.StatusDraft},
		{Action: domain.ActionNoteAdded, Notes: "site closed", Actor: domain.Actor{UserID: &uid}},
		{Action: domain.ActionSubmitted, From: domain.StatusDraft, To: domain.StatusSubmitted, Meta: ledger.Meta{"code": "WIR-0001"}},
		{Action: domain.ActionBicChanged, Actor: domain.Actor{UserID: &uid, DisplayName: &name}},
		{Action: domain.ActionRecommended},
	}
	for _, e := range entries {
		e.WirID, e.ProjectID = "wir-1", "p-1"
		if _, err := w.Record(ctx, conn, e); err != nil {
			t.Fatalf("record %s: %v", e.Action, err)
		}
	}
	if _, err := w.Record(ctx, conn, ledger.Entry{WirID: "wir-2", ProjectID: "p-1", Action: domain.ActionUpdated}); err != nil {
		t.Fatalf("record other: %v", err)
	}

	v, err := ledger.Version(ctx, conn, "wir-1")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}
	if v, _ := ledger.Version(ctx, conn, "missing"); v != 1 {
		t.Fatalf("expected version 1 for a WIR without history, got %d", v)
	}

	rows, err := ledger.History(ctx, conn, "wir-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != len(entries) {
		t.Fatalf("expected %d rows, got %d", len(entries), len(rows))
	}
	if got := *rows[0].ActorName; got != domain.SystemActor {
		t.Fatalf("expected system actor, got %q", got)
	}
	if rows[1].ActorUserID == nil || *rows[1].ActorUserID != uid || *rows[1].ActorName != uid {
		t.Fatalf("unexpected actor on note row: %+v", rows[1])
	}
	if *rows[3].ActorName != name {
		t.Fatalf("expected display name, got %q", *rows[3].ActorName)
	}
	sub := rows[2]
	if sub.FromStatus == nil || *sub.FromStatus != domain.StatusDraft || *sub.ToStatus != domain.StatusSubmitted {
		t.Fatalf("unexpected statuses: %+v", sub)
	}
	if sub.Meta["code"] != "WIR-0001" {
		t.Fatalf("unexpected meta: %v", sub.Meta)
	}
	if rows[4].FromStatus != nil || rows[4].Meta != nil {
		t.Fatalf("expected empty status and meta: %+v", rows[4])
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].CreatedAt <= rows[i-1].CreatedAt {
			t.Fatalf("timestamps out of order: %s then %s", rows[i-1].CreatedAt, rows[i].CreatedAt)
		}
	}
}
