package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/me/vmsched/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleTx() *model.MockTransaction {
	lock := model.Script{CodeHash: model.DataHash([]byte("code")), HashType: model.HashTypeData}
	in := model.MockInput{
		Input:  model.CellInput{PreviousOutput: model.OutPoint{TxHash: model.DataHash([]byte("prev"))}},
		Output: model.CellOutput{Lock: lock},
	}
	dep := model.MockCellDep{
		CellDep: model.CellDep{OutPoint: model.OutPoint{TxHash: model.DataHash([]byte("dep"))}, DepType: model.DepTypeCode},
		Data:    model.Bytes("code"),
	}
	return &model.MockTransaction{
		MockInfo: model.MockInfo{Inputs: []model.MockInput{in}, CellDeps: []model.MockCellDep{dep}},
		Tx: model.Transaction{
			CellDeps:  []model.CellDep{dep.CellDep},
			Inputs:    []model.CellInput{in.Input},
			Witnesses: []model.Bytes{model.Bytes("scenario")},
		},
	}
}

func sampleVerification(id string) *model.Verification {
	tx := sampleTx()
	return &model.Verification{
		ID:          id,
		TxHash:      tx.Tx.Hash(),
		State:       model.VerificationStatePending,
		Limits:      model.CycleLimits{MaxCycles: 300_000_000, CyclesPerIterate: 10_000_000},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		Transaction: tx,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCreateAndGetVerification(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	v := sampleVerification("ver_test-1")
	if err := st.CreateVerification(ctx, v); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetVerification(ctx, v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("verification not found")
	}
	if got.TxHash != v.TxHash {
		t.Errorf("TxHash = %s, want %s", got.TxHash, v.TxHash)
	}
	if got.State != model.VerificationStatePending {
		t.Errorf("State = %s, want PENDING", got.State)
	}
	if got.Limits != v.Limits {
		t.Errorf("Limits = %+v, want %+v", got.Limits, v.Limits)
	}
	if got.Transaction == nil || got.Transaction.Tx.Hash() != v.TxHash {
		t.Error("transaction did not round-trip")
	}
	if !got.CreatedAt.Equal(v.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, v.CreatedAt)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("expected nil StartedAt and CompletedAt")
	}
	if got.Groups == nil || len(got.Groups) != 0 {
		t.Errorf("Groups = %v, want empty", got.Groups)
	}
}

func TestCreateVerification_RequiresTransaction(t *testing.T) {
	st := testStore(t)
	v := sampleVerification("ver_test-1")
	v.Transaction = nil
	if err := st.CreateVerification(context.Background(), v); err == nil {
		t.Fatal("expected error without transaction")
	}
}

func TestGetVerification_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetVerification(context.Background(), "ver_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing verification")
	}
}

func TestUpdateVerification(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	v := sampleVerification("ver_test-1")
	st.CreateVerification(ctx, v)

	now := time.Now().UTC().Truncate(time.Millisecond)
	v.State = model.VerificationStateSuccess
	v.Cycles = math.MaxUint64
	v.StartedAt = &now
	v.CompletedAt = &now
	v.Groups = []model.GroupReport{{
		Type:       model.ScriptGroupTypeLock,
		Hash:       model.DataHash([]byte("group")),
		Cycles:     123,
		Iterations: 4,
		Suspends:   1,
	}}
	if err := st.UpdateVerification(ctx, v); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetVerification(ctx, v.ID)
	if got.State != model.VerificationStateSuccess {
		t.Errorf("State = %s, want SUCCESS", got.State)
	}
	if got.Cycles != math.MaxUint64 {
		t.Errorf("Cycles = %d, want MaxUint64", got.Cycles)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
	}
	if len(got.Groups) != 1 || got.Groups[0] != v.Groups[0] {
		t.Errorf("Groups = %+v, want %+v", got.Groups, v.Groups)
	}
}

func TestUpdateVerification_NotFound(t *testing.T) {
	st := testStore(t)
	v := sampleVerification("ver_missing")
	if err := st.UpdateVerification(context.Background(), v); err == nil {
		t.Fatal("expected error for missing verification")
	}
}

func TestClaimVerification(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	st.CreateVerification(ctx, sampleVerification("ver_pending"))
	done := sampleVerification("ver_done")
	done.State = model.VerificationStateSuccess
	st.CreateVerification(ctx, done)

	now := time.Now().UTC().Truncate(time.Millisecond)
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"pending", "ver_pending", true},
		{"already claimed", "ver_pending", false},
		{"terminal", "ver_done", false},
		{"missing", "ver_missing", false},
	}
	for _, tt := range tests {
		got, err := st.ClaimVerification(ctx, tt.id, now)
		if err != nil {
			t.Fatalf("%s: claim: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: claimed = %v, want %v", tt.name, got, tt.want)
		}
	}

	v, _ := st.GetVerification(ctx, "ver_pending")
	if v.State != model.VerificationStateRunning || v.StartedAt == nil || !v.StartedAt.Equal(now) {
		t.Errorf("claimed verification = %s started %v", v.State, v.StartedAt)
	}
}

func TestMigrate_StartedAtColumn(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	columns := func() []string {
		rows, err := st.db.QueryContext(ctx, "PRAGMA table_info(verifications)")
		if err != nil {
			t.Fatalf("table_info: %v", err)
		}
		defer rows.Close()
		var names []string
		for rows.Next() {
			var cid, notnull, pk int
			var name, ctype string
			var dflt *string
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				t.Fatalf("scan: %v", err)
			}
			names = append(names, name)
		}
		return names
	}
	count := func(names []string, want string) int {
		n := 0
		for _, name := range names {
			if name == want {
				n++
			}
		}
		return n
	}

	if n := count(columns(), "started_at"); n != 1 {
		t.Fatalf("started_at columns after migrate = %d, want 1", n)
	}
	if err := addColumnIfNotExists(ctx, st.db, "verifications", "started_at",
		"ALTER TABLE verifications ADD COLUMN started_at TEXT"); err != nil {
		t.Fatalf("addColumnIfNotExists existing: %v", err)
	}
	if err := addColumnIfNotExists(ctx, st.db, "verifications", "note",
		"ALTER TABLE verifications ADD COLUMN note TEXT"); err != nil {
		t.Fatalf("addColumnIfNotExists new: %v", err)
	}
	names := columns()
	if count(names, "started_at") != 1 || count(names, "note") != 1 {
		t.Errorf("columns = %v", names)
	}
}

func TestListVerifications_Pagination(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		v := sampleVerification(fmt.Sprintf("ver_test-%d", i))
		v.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := st.CreateVerification(ctx, v); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	vs, total, err := st.ListVerifications(ctx, model.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(vs) != 2 {
		t.Fatalf("len = %d, want 2", len(vs))
	}
	// Newest first.
	if vs[0].ID != "ver_test-3" || vs[1].ID != "ver_test-2" {
		t.Errorf("got %s, %s", vs[0].ID, vs[1].ID)
	}
}

func TestListVerifications_StateFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	st.CreateVerification(ctx, sampleVerification("ver_test-1"))
	v2 := sampleVerification("ver_test-2")
	v2.State = model.VerificationStateFailed
	st.CreateVerification(ctx, v2)

	opts := model.DefaultListOptions()
	opts.State = "PENDING"
	vs, total, err := st.ListVerifications(ctx, opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(vs) != 1 || vs[0].ID != "ver_test-1" {
		t.Errorf("expected only the pending verification, got total=%d", total)
	}
}

func TestGetVerificationsByState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, state := range []model.VerificationState{
		model.VerificationStatePending,
		model.VerificationStateRunning,
		model.VerificationStatePending,
	} {
		v := sampleVerification(fmt.Sprintf("ver_test-%d", i))
		v.State = state
		v.CreatedAt = base.Add(time.Duration(i) * time.Second)
		st.CreateVerification(ctx, v)
	}

	vs, err := st.GetVerificationsByState(ctx, model.VerificationStatePending)
	if err != nil {
		t.Fatalf("by state: %v", err)
	}
	// Oldest first.
	if len(vs) != 2 || vs[0].ID != "ver_test-0" || vs[1].ID != "ver_test-2" {
		t.Errorf("unexpected pending verifications: %d", len(vs))
	}
}

func TestCheckpoints(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	group := model.DataHash([]byte("group"))
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		state := bytes.Repeat([]byte{byte(i)}, 10+i)
		cp := &model.Checkpoint{
			ID:             fmt.Sprintf("cp_%d", i),
			VerificationID: "ver_test-1",
			GroupHash:      group,
			Cycles:         uint64(i+1) * 1000,
			Size:           len(state),
			State:          state,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := st.CreateCheckpoint(ctx, cp); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	st.CreateCheckpoint(ctx, &model.Checkpoint{ID: "cp_other", VerificationID: "ver_test-2", State: []byte{1}, CreatedAt: base})

	cp, err := st.GetCheckpoint(ctx, "cp_2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cp == nil {
		t.Fatal("checkpoint not found")
	}
	if !bytes.Equal(cp.State, bytes.Repeat([]byte{2}, 12)) || cp.Size != 12 {
		t.Errorf("state = %v, size = %d", cp.State, cp.Size)
	}
	if cp.GroupHash != group || cp.Cycles != 3000 {
		t.Errorf("checkpoint = %+v", cp)
	}

	cps, err := st.ListCheckpoints(ctx, "ver_test-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("len = %d, want 3", len(cps))
	}
	for i, cp := range cps {
		if cp.ID != fmt.Sprintf("cp_%d", i) {
			t.Errorf("cps[%d] = %s", i, cp.ID)
		}
		if cp.State != nil {
			t.Errorf("cps[%d] loaded its state", i)
		}
	}

	missing, err := st.GetCheckpoint(ctx, "cp_missing")
	if err != nil || missing != nil {
		t.Errorf("missing checkpoint: %v, %v", missing, err)
	}
}
