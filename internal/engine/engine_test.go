package engine_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wirline/internal/catalog"
	"wirline/internal/config"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
	"wirline/internal/migrate"
	"wirline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

const fixture = `
checklists:
  - id: chk-1
    code: CHK-1
    title: Rebar placement
    discipline: Civil
    version_label: v3
    items:
      - text: Bar spacing
        tolerance: "+/-10"
        unit: mm
        base: "150"
        plus: "10"
        minus: "10"
        critical: true
      - text: Cover blocks fixed
      - text: Lap length
        unit: mm
        base: "600"
        plus: "50"
        minus: "0"
  - id: chk-2
    code: CHK-2
    title: Shuttering
    discipline: Civil
    items:
      - text: Alignment
      - text: Oil applied
activities:
  - id: act-1
    code: ACT-1
    title: Slab casting
    discipline: Civil
    stage: Structure
    version: 4
    fields:
      floor: L2
`

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f, err := catalog.ParseFixture([]byte(fixture))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if _, err := catalog.Import(ctx, conn, f); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

var tester = engine.Caller{Actor: domain.Actor{UserID: strPtr("u-1"), DisplayName: strPtr("Site Engineer")}}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func (env testEnv) create(t *testing.T, opts engine.CreateOptions) domain.WIR {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.Title == "" {
		opts.Title = "Slab L2 rebar"
	}
	opts.Caller = tester
	w, err := env.Engine.Create(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create wir: %v", err)
	}
	return w
}

func (env testEnv) history(t *testing.T, id string) []domain.WirHistory {
	t.Helper()
	rows, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return rows
}

func TestCreateMaterializesChecklistItems(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-1"}, Materialize: boolPtr(true)})

	if w.Status != domain.StatusDraft || w.Version != 1 || w.Code != nil {
		t.Fatalf("unexpected new wir: status=%s version=%d code=%v", w.Status, w.Version, w.Code)
	}
	if len(w.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(w.Items))
	}
	for i, it := range w.Items {
		if it.Status != domain.ItemUnknown {
			t.Fatalf("item %d status %s", i, it.Status)
		}
		if it.Seq != i+1 {
			t.Fatalf("item %d seq %d", i, it.Seq)
		}
		if it.SourceChecklistID == nil || *it.SourceChecklistID != "chk-1" || it.SourceChecklistItemID == nil {
			t.Fatalf("item %d missing provenance", i)
		}
	}
	if !w.Materialized || w.SnapshotAt == nil {
		t.Fatalf("expected materialized flag and snapshot time")
	}
	if len(w.Checklists) != 1 || w.Checklists[0].Code != "CHK-1" || w.Checklists[0].ItemCount != 3 {
		t.Fatalf("unexpected checklists: %+v", w.Checklists)
	}
	rows := env.history(t, w.ID)
	if len(rows) != 1 || rows[0].Action != domain.ActionCreated {
		t.Fatalf("expected one Created row, got %+v", rows)
	}
	if rows[0].ActorName == nil || *rows[0].ActorName != "Site Engineer" {
		t.Fatalf("actor not recorded: %+v", rows[0])
	}
}

func TestMaterializeOrdersByChecklistID(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-2", "CHK-1"}, Materialize: boolPtr(true)})
	want := []string{"Bar spacing", "Cover blocks fixed", "Lap length", "Alignment", "Oil applied"}
	if len(w.Items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(w.Items))
	}
	for i, it := range w.Items {
		if it.Name != want[i] || it.Seq != i+1 {
			t.Fatalf("item %d = %s seq %d, want %s seq %d", i, it.Name, it.Seq, want[i], i+1)
		}
	}
}

func TestCreateRejectsNonDraftWithoutForce(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ProjectID: "proj-1", Title: "x", Status: domain.StatusApproved, Caller: tester,
	})
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	w, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ProjectID: "proj-1", Title: "x", Status: domain.StatusApproved, Force: true, Caller: tester,
	})
	if err != nil || w.Status != domain.StatusApproved {
		t.Fatalf("forced create: %v", err)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{ProjectID: "proj-1", Caller: tester})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "Title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{ProjectID: "proj-1", Title: "x", Discipline: "Plumbing", Caller: tester})
	if !errors.As(err, &ve) {
		t.Fatalf("expected discipline validation error, got %v", err)
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{})

	res, err := env.Engine.Attach(env.Ctx, w.ID, engine.AttachOptions{Refs: []string{"CHK-1", "chk-1", "CHK-2"}, Caller: tester})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(res.Added) != 2 {
		t.Fatalf("expected 2 added, got %v", res.Added)
	}
	res, err = env.Engine.Attach(env.Ctx, w.ID, engine.AttachOptions{Refs: []string{"CHK-2", "CHK-1"}, Caller: tester})
	if err != nil {
		t.Fatalf("attach again: %v", err)
	}
	if len(res.Added) != 0 || len(res.WIR.Checklists) != 2 {
		t.Fatalf("duplicate attach changed set: added=%v checklists=%d", res.Added, len(res.WIR.Checklists))
	}
	seen := map[string]bool{}
	for _, c := range res.WIR.Checklists {
		if seen[c.ChecklistID] {
			t.Fatalf("duplicate checklist %s", c.ChecklistID)
		}
		seen[c.ChecklistID] = true
	}
}

func TestAttachPartialResolution(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{})

	res, err := env.Engine.Attach(env.Ctx, w.ID, engine.AttachOptions{Refs: []string{"CHK-1", "NOPE"}, Materialize: true, Caller: tester})
	if err != nil {
		t.Fatalf("lenient attach: %v", err)
	}
	if len(res.Added) != 1 || res.MaterializedCount != 3 || len(res.Unmatched) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	_, err = env.Engine.Attach(env.Ctx, w.ID, engine.AttachOptions{Refs: []string{"NOPE"}, Caller: tester})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error when nothing resolves, got %v", err)
	}

	cfg := config.Default()
	cfg.Checklists.StrictResolution = true
	strict := newTestEnvWithConfig(t, cfg)
	sw := strict.create(t, engine.CreateOptions{})
	_, err = strict.Engine.Attach(strict.Ctx, sw.ID, engine.AttachOptions{Refs: []string{"CHK-1", "NOPE"}, Caller: tester})
	if !errors.As(err, &ve) {
		t.Fatalf("strict mode should reject unmatched refs, got %v", err)
	}
	got, err := strict.Engine.Get(strict.Ctx, sw.ID)
	if err != nil || len(got.Checklists) != 0 || got.Version != 1 {
		t.Fatalf("failed attach left state behind: %v %+v", err, got)
	}
}

func TestAttachReplaceDropsDetachedItems(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-1", "CHK-2"}, Materialize: boolPtr(true)})
	if len(w.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(w.Items))
	}
	res, err := env.Engine.Attach(env.Ctx, w.ID, engine.AttachOptions{Refs: []string{"CHK-2"}, Replace: true, Caller: tester})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "chk-1" {
		t.Fatalf("unexpected removed %v", res.Removed)
	}
	if len(res.WIR.Checklists) != 1 || len(res.WIR.Items) != 2 {
		t.Fatalf("expected CHK-2 only: %d checklists %d items", len(res.WIR.Checklists), len(res.WIR.Items))
	}
}

func TestDispatchAssignsCodeAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-2"}, ActivityRefID: strPtr("act-1")})
	if w.Materialized || len(w.Items) != 0 {
		t.Fatalf("create should not materialize by default")
	}
	w, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if w.Code == nil || !regexp.MustCompile(`^WIR-\d{4,}$`).MatchString(*w.Code) {
		t.Fatalf("unexpected code %v", w.Code)
	}
	if w.Status != domain.StatusSubmitted {
		t.Fatalf("status %s", w.Status)
	}
	if w.InspectorID == nil || *w.InspectorID != "U1" || w.BicUserID == nil || *w.BicUserID != "U1" {
		t.Fatalf("inspector not connected: %+v", w)
	}
	if !w.Materialized || len(w.Items) != 2 {
		t.Fatalf("dispatch should materialize pending items, got %d", len(w.Items))
	}
	if w.ActivitySnapshot == nil || w.ActivitySnapshot.Code != "ACT-1" || w.ActivitySnapshotVersion == nil || *w.ActivitySnapshotVersion != 4 {
		t.Fatalf("activity snapshot missing: %+v", w.ActivitySnapshot)
	}
	rows := env.history(t, w.ID)
	last := rows[len(rows)-1]
	if last.Action != domain.ActionSubmitted || last.FromStatus == nil || *last.FromStatus != domain.StatusDraft ||
		last.ToStatus == nil || *last.ToStatus != domain.StatusSubmitted {
		t.Fatalf("unexpected dispatch history %+v", last)
	}
	if w.Version != 2 {
		t.Fatalf("version after dispatch = %d", w.Version)
	}
}

func TestDispatchRequiresInspector(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{})
	_, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{Caller: tester})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := env.Engine.Get(env.Ctx, w.ID)
	if got.Code != nil || got.Status != domain.StatusDraft {
		t.Fatalf("failed dispatch mutated wir")
	}
}

func TestDispatchNonDraftFailsWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{})
	w, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	before := env.history(t, w.ID)

	_, err = env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U2", Caller: tester})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Code != engine.CodeNotDraft {
		t.Fatalf("expected not-draft error, got %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *got.Code != *w.Code || got.Status != w.Status || *got.InspectorID != "U1" {
		t.Fatalf("state changed after rejected dispatch")
	}
	if after := env.history(t, w.ID); len(after) != len(before) {
		t.Fatalf("history grew from %d to %d", len(before), len(after))
	}
}

func TestDispatchKeepsExistingSnapshot(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{ActivityRefID: strPtr("act-1")})
	w, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	first := *w.ActivitySnapshot

	// bump the catalog activity, then send the wir back through dispatch
	f, _ := catalog.ParseFixture([]byte("activities:\n  - id: act-1\n    code: ACT-1\n    title: Slab casting revised\n    version: 5\n"))
	if _, err := catalog.Import(env.Ctx, env.Engine.DB, f); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Return(env.Ctx, w.ID, engine.TransitionOptions{Caller: tester}); err != nil {
		t.Fatalf("return: %v", err)
	}
	draft := domain.StatusDraft
	if _, err := env.Engine.UpdateHeader(env.Ctx, w.ID, engine.HeaderPatch{Status: &draft}, tester); err != nil {
		t.Fatalf("back to draft: %v", err)
	}
	w, err = env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if w.ActivitySnapshot.Title != first.Title || *w.ActivitySnapshotVersion != 4 {
		t.Fatalf("snapshot overwritten: %+v", w.ActivitySnapshot)
	}
}

func TestConcurrentDispatchAllocatesUniqueCodes(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.create(t, engine.CreateOptions{}).ID
	}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[string]bool{}
		errs  []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w, err := env.Engine.Dispatch(env.Ctx, id, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			codes[*w.Code] = true
		}(id)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("dispatch errors: %v", errs)
	}
	if len(codes) != n {
		t.Fatalf("expected %d distinct codes, got %v", n, codes)
	}
	for i := 1; i <= n; i++ {
		if !codes[engine.FormatCode("WIR", i)] {
			t.Fatalf("missing code %d in %v", i, codes)
		}
	}
}

func TestConcurrentDispatchSameWIR(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			var te *engine.TransitionError
			if !errors.As(err, &te) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one dispatch to win, got %d", success)
	}
	submitted := 0
	for _, h := range env.history(t, w.ID) {
		if h.Action == domain.ActionSubmitted {
			submitted++
		}
	}
	if submitted != 1 {
		t.Fatalf("expected one Submitted row, got %d", submitted)
	}
}

func TestAllocateOnCreateNumbersPastExistingCodes(t *testing.T) {
	cfg := config.Default()
	cfg.Codes.AllocateOnCreate = true
	env := newTestEnvWithConfig(t, cfg)
	env.create(t, engine.CreateOptions{Code: strPtr("WIR-9999")})
	w := env.create(t, engine.CreateOptions{})
	if w.Code == nil || *w.Code != "WIR-10000" {
		t.Fatalf("expected WIR-10000, got %v", w.Code)
	}
	w = env.create(t, engine.CreateOptions{})
	if *w.Code != "WIR-10001" {
		t.Fatalf("expected WIR-10001, got %s", *w.Code)
	}
}

func TestExplicitOddCodesDoNotStallAllocation(t *testing.T) {
	env := newTestEnv(t)
	dispatch := func(want string) {
		t.Helper()
		w := env.create(t, engine.CreateOptions{})
		w, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if w.Code == nil || *w.Code != want {
			t.Fatalf("expected %s, got %v", want, w.Code)
		}
	}
	dispatch("WIR-0001")
	env.create(t, engine.CreateOptions{Code: strPtr("WIR-0001-R1")})
	dispatch("WIR-0002")
	dispatch("WIR-0003")
	env.create(t, engine.CreateOptions{Code: strPtr("WIR-00002")})
	env.create(t, engine.CreateOptions{Code: strPtr("WIR-12a")})
	env.create(t, engine.CreateOptions{Code: strPtr("NCR-0050")})
	dispatch("WIR-0004")
	env.create(t, engine.CreateOptions{Code: strPtr("WIR-00010")})
	dispatch("WIR-0011")
}

func TestVersionCountsOnlyBumpingActions(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{HodID: strPtr("hod-1")})
	expect := func(step string, want int) {
		t.Helper()
		got, err := env.Engine.Get(env.Ctx, w.ID)
		if err != nil {
			t.Fatalf("%s: %v", step, err)
		}
		if got.Version != want {
			t.Fatalf("%s: version %d, want %d", step, got.Version, want)
		}
	}
	expect("create", 1)

	if _, err := env.Engine.UpdateHeader(env.Ctx, w.ID, engine.HeaderPatch{Title: strPtr("Renamed")}, tester); err != nil {
		t.Fatal(err)
	}
	expect("update", 2)
	if _, err := env.Engine.Attach(env.Ctx, w.ID, engine.AttachOptions{Refs: []string{"CHK-1"}, Materialize: true, Caller: tester}); err != nil {
		t.Fatal(err)
	}
	expect("attach", 3)
	if _, err := env.Engine.AddNote(env.Ctx, w.ID, "site access via gate 2", tester); err != nil {
		t.Fatal(err)
	}
	expect("note", 3)
	if _, err := env.Engine.ChangeBIC(env.Ctx, w.ID, strPtr("u-9"), tester); err != nil {
		t.Fatal(err)
	}
	expect("bic", 3)
	if _, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester}); err != nil {
		t.Fatal(err)
	}
	expect("dispatch", 4)

	got, _ := env.Engine.Get(env.Ctx, w.ID)
	fail := domain.OutcomeFail
	if _, err := env.Engine.InspectorSave(env.Ctx, w.ID, []engine.ItemOutcome{{ItemID: got.Items[0].ID, InspectorStatus: &fail}}, tester); err != nil {
		t.Fatal(err)
	}
	expect("inspector save", 4)
	if _, err := env.Engine.InspectorRecommend(env.Ctx, w.ID, engine.RecommendOptions{Action: domain.RecommendApproveWithComments, Comment: "minor", Caller: tester}); err != nil {
		t.Fatal(err)
	}
	expect("inspector recommend", 5)
	if _, err := env.Engine.Reschedule(env.Ctx, w.ID, engine.RescheduleOptions{Date: "2024-01-03", Time: "09:30", Reason: "rain", Caller: tester}); err != nil {
		t.Fatal(err)
	}
	expect("reschedule", 6)
	if _, err := env.Engine.Recommend(env.Ctx, w.ID, engine.TransitionOptions{Caller: tester}); err != nil {
		t.Fatal(err)
	}
	expect("recommend", 7)
	if _, err := env.Engine.Approve(env.Ctx, w.ID, engine.TransitionOptions{Caller: tester}); err != nil {
		t.Fatal(err)
	}
	expect("approve", 8)

	v, err := ledger.Version(env.Ctx, env.Engine.DB, w.ID)
	if err != nil || v != 8 {
		t.Fatalf("ledger version %d %v", v, err)
	}
}

func TestInspectorRecommendKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{HodID: strPtr("hod-1")})
	_, err := env.Engine.InspectorRecommend(env.Ctx, w.ID, engine.RecommendOptions{Action: domain.RecommendApprove, Caller: tester})
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("recommend on draft should fail, got %v", err)
	}
	if _, err := env.Engine.Dispatch(env.Ctx, w.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester}); err != nil {
		t.Fatal(err)
	}
	w, err = env.Engine.InspectorRecommend(env.Ctx, w.ID, engine.RecommendOptions{Action: domain.RecommendReject, Comment: "cover missing", Caller: tester})
	if err != nil {
		t.Fatalf("inspector recommend: %v", err)
	}
	if w.Status != domain.StatusSubmitted {
		t.Fatalf("status changed to %s", w.Status)
	}
	if w.InspectorRecommendation == nil || *w.InspectorRecommendation != domain.RecommendReject || *w.InspectorRemarks != "cover missing" {
		t.Fatalf("recommendation not stored: %+v", w)
	}
	if w.BicUserID == nil || *w.BicUserID != "hod-1" {
		t.Fatalf("ball in court should move to HOD")
	}
	_, err = env.Engine.InspectorRecommend(env.Ctx, w.ID, engine.RecommendOptions{Action: "MAYBE", Caller: tester})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInspectorSaveFlagsOutOfTolerance(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-1"}, Materialize: boolPtr(true)})
	before := env.history(t, w.ID)

	pass := domain.OutcomePass
	ok := decimal.RequireFromString("155")
	far := decimal.RequireFromString("175")
	items, err := env.Engine.InspectorSave(env.Ctx, w.ID, []engine.ItemOutcome{
		{ItemID: w.Items[0].ID, InspectorStatus: &pass, Value: &ok, Note: strPtr("checked")},
		{ItemID: w.Items[2].ID, Value: &far},
	}, tester)
	if err != nil {
		t.Fatalf("inspector save: %v", err)
	}
	if items[0].Status != domain.ItemOK || !items[0].Value.Valid || !items[0].Value.Decimal.Equal(ok) {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	// lap length is 600 +50/-0
	if items[2].Status != domain.ItemNCR {
		t.Fatalf("out of tolerance value not flagged: %s", items[2].Status)
	}
	if items[1].Status != domain.ItemUnknown {
		t.Fatalf("untouched item changed: %s", items[1].Status)
	}
	if after := env.history(t, w.ID); len(after) != len(before) {
		t.Fatalf("inspector save wrote history")
	}
	_, err = env.Engine.InspectorSave(env.Ctx, w.ID, []engine.ItemOutcome{{ItemID: "nope", InspectorStatus: &pass}}, tester)
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for foreign item, got %v", err)
	}
}

func TestRollForwardCarriesFailedItems(t *testing.T) {
	env := newTestEnv(t)
	src := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-1", "CHK-2"}, Materialize: boolPtr(true), ActivityRefID: strPtr("act-1")})
	if len(src.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(src.Items))
	}
	src, err := env.Engine.Dispatch(env.Ctx, src.ID, engine.DispatchOptions{InspectorID: "U1", Caller: tester})
	if err != nil {
		t.Fatal(err)
	}
	fail, pass := domain.OutcomeFail, domain.OutcomePass
	outcomes := []engine.ItemOutcome{
		{ItemID: src.Items[0].ID, InspectorStatus: &pass},
		{ItemID: src.Items[1].ID, InspectorStatus: &fail, Note: strPtr("blocks missing")},
		{ItemID: src.Items[2].ID, InspectorStatus: &pass},
		{ItemID: src.Items[3].ID, InspectorStatus: &fail},
		{ItemID: src.Items[4].ID, InspectorStatus: &pass},
	}
	if _, err := env.Engine.InspectorSave(env.Ctx, src.ID, outcomes, tester); err != nil {
		t.Fatal(err)
	}
	srcVersion := src.Version

	next, err := env.Engine.RollForward(env.Ctx, src.ID, engine.RollForwardOptions{Caller: tester})
	if err != nil {
		t.Fatalf("roll forward: %v", err)
	}
	if next.ID == src.ID || next.SeriesID != src.SeriesID {
		t.Fatalf("series not preserved: %s vs %s", next.SeriesID, src.SeriesID)
	}
	if next.Status != domain.StatusDraft || next.Version != 1 || next.Code != nil {
		t.Fatalf("unexpected successor %+v", next)
	}
	if len(next.Items) != 2 {
		t.Fatalf("expected 2 carried items, got %d", len(next.Items))
	}
	for i, it := range next.Items {
		if it.Status != domain.ItemUnknown || it.InspectorStatus != nil || it.Note != nil {
			t.Fatalf("item %d not reset: %+v", i, it)
		}
		if it.Seq != i+1 {
			t.Fatalf("item %d seq %d", i, it.Seq)
		}
		want := src.Items[[]int{1, 3}[i]]
		if *it.SourceChecklistItemID != *want.SourceChecklistItemID {
			t.Fatalf("provenance changed on item %d", i)
		}
	}
	if len(next.Checklists) != len(src.Checklists) {
		t.Fatalf("checklists not cloned")
	}
	for i := range next.Checklists {
		a, b := next.Checklists[i], src.Checklists[i]
		if a.ChecklistSnapshot != b.ChecklistSnapshot || a.Position != b.Position || a.ChecklistID != b.ChecklistID {
			t.Fatalf("checklist %d differs: %+v vs %+v", i, a, b)
		}
	}

	srcRows := env.history(t, src.ID)
	last := srcRows[len(srcRows)-1]
	if last.Meta["rolled_forward_to"] != next.ID {
		t.Fatalf("source history missing roll-forward target: %+v", last)
	}
	nextRows := env.history(t, next.ID)
	if len(nextRows) != 1 || nextRows[0].Meta["rolled_from"] != src.ID {
		t.Fatalf("successor history missing origin: %+v", nextRows)
	}
	again, _ := env.Engine.Get(env.Ctx, src.ID)
	if again.Version != srcVersion {
		t.Fatalf("roll forward bumped source version %d -> %d", srcVersion, again.Version)
	}

	series, err := env.Engine.Series(env.Ctx, src.SeriesID)
	if err != nil || len(series) != 2 || series[0].ID == series[1].ID {
		t.Fatalf("series listing: %v %d", err, len(series))
	}
}

func TestRollForwardNeedsItems(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-2"}, Materialize: boolPtr(true)})
	_, err := env.Engine.RollForward(env.Ctx, w.ID, engine.RollForwardOptions{Caller: tester})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	next, err := env.Engine.RollForward(env.Ctx, w.ID, engine.RollForwardOptions{ItemIDs: []string{w.Items[1].ID}, Title: strPtr("Shuttering recheck"), Caller: tester})
	if err != nil {
		t.Fatalf("explicit roll forward: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].Name != "Oil applied" || next.Title != "Shuttering recheck" {
		t.Fatalf("unexpected successor %+v", next)
	}
}

func TestTransitionTableEnforced(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{})
	if _, err := env.Engine.Approve(env.Ctx, w.ID, engine.TransitionOptions{Caller: tester}); err == nil {
		t.Fatalf("approve from draft should fail")
	}
	approved := domain.StatusApproved
	_, err := env.Engine.UpdateHeader(env.Ctx, w.ID, engine.HeaderPatch{Status: &approved}, tester)
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("unforced status overwrite should fail, got %v", err)
	}
	w, err = env.Engine.UpdateHeader(env.Ctx, w.ID, engine.HeaderPatch{Status: &approved, Force: true}, tester)
	if err != nil || w.Status != domain.StatusApproved {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, err := env.Engine.Return(env.Ctx, w.ID, engine.TransitionOptions{Caller: tester}); err == nil {
		t.Fatalf("approved is terminal")
	}
}

func TestPolicyGuardsTransitions(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.Roles = map[string][]string{
		"contractor": {"create", "update", "attach", "dispatch", "submit"},
		"hod":        {"*"},
	}
	env := newTestEnvWithConfig(t, cfg)
	contractor := engine.Caller{Actor: tester.Actor, Role: "contractor"}
	w, err := env.Engine.Create(env.Ctx, engine.CreateOptions{ProjectID: "proj-1", Title: "x", InspectorID: strPtr("U1"), Caller: contractor})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.TransitionOptions{Caller: contractor}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, w.ID, engine.TransitionOptions{Caller: contractor})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Action != auth.ActionApprove {
		t.Fatalf("expected forbidden, got %v", err)
	}
	w, err = env.Engine.Approve(env.Ctx, w.ID, engine.TransitionOptions{Caller: engine.Caller{Role: "hod"}})
	if err != nil || w.Status != domain.StatusApproved {
		t.Fatalf("hod approve: %v", err)
	}
	rows := env.history(t, w.ID)
	last := rows[len(rows)-1]
	if last.ActorName == nil || *last.ActorName != domain.SystemActor {
		t.Fatalf("missing actor should be recorded as system: %+v", last)
	}
}

func TestDeleteKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, engine.CreateOptions{Checklists: []string{"CHK-1"}, Materialize: boolPtr(true)})
	if err := env.Engine.Delete(env.Ctx, w.ID, tester); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	items, err := env.Engine.Repo.ListItems(env.Ctx, env.Engine.DB, w.ID)
	if err != nil || len(items) != 0 {
		t.Fatalf("items not cascaded: %d %v", len(items), err)
	}
	rows := env.history(t, w.ID)
	if len(rows) != 2 || rows[1].Action != domain.ActionDeleted {
		t.Fatalf("unexpected history after delete: %+v", rows)
	}
}

func TestListAndRelationPatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, engine.CreateOptions{InspectorID: strPtr("U1"), ContractorID: strPtr("C1"), Discipline: domain.DisciplineMEP})
	env.create(t, engine.CreateOptions{ProjectID: "proj-2"})

	a, err := env.Engine.UpdateHeader(env.Ctx, a.ID, engine.HeaderPatch{Inspector: engine.Disconnect(), Hod: engine.Connect("H1")}, tester)
	if err != nil {
		t.Fatalf("patch relations: %v", err)
	}
	if a.InspectorID != nil || a.ContractorID == nil || *a.ContractorID != "C1" || a.HodID == nil || *a.HodID != "H1" {
		t.Fatalf("relation semantics broken: %+v", a)
	}
	list, err := env.Engine.List(env.Ctx, engine.ListOptions{ProjectID: "proj-1"})
	if err != nil || len(list) != 1 || list[0].Version != 2 {
		t.Fatalf("list: %v %+v", err, list)
	}
	list, err = env.Engine.List(env.Ctx, engine.ListOptions{ProjectID: "proj-1", Discipline: domain.DisciplineCivil})
	if err != nil || len(list) != 0 {
		t.Fatalf("discipline filter: %v %d", err, len(list))
	}
	if _, err := env.Engine.UpdateHeader(env.Ctx, a.ID, engine.HeaderPatch{}, tester); err == nil {
		t.Fatalf("empty patch should fail")
	}
}
