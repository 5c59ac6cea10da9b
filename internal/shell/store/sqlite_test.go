package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testContext(t *testing.T, branch string, mode domain.Mode) *domain.Context {
	t.Helper()
	c, err := domain.NewContext("https://github.com/acme/shop", branch, mode, "/srv/repos")
	require.NoError(t, err)
	c.Port = 3001
	return c
}

// =============================================================================
// Migrations
// =============================================================================

func TestNewSQLiteStore_MigratesFileDatabaseTwice(t *testing.T) {
	dsn := t.TempDir() + "/branchoff.db"

	first, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

// =============================================================================
// Run Journal Tests
// =============================================================================

func TestCreateAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := domain.NewRun(domain.OpStage, testContext(t, "feature", domain.ModeTest), domain.RunStaging)
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, domain.OpStage, got.Operation)
	assert.Equal(t, run.DeploymentID, got.DeploymentID)
	assert.Equal(t, domain.ModeTest, got.Mode)
	assert.Equal(t, domain.RunStaging, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Microsecond)
}

func TestCreateRun_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := domain.NewRun(domain.OpCreate, testContext(t, "main", domain.ModeRelease), domain.RunRestoring)
	require.NoError(t, store.CreateRun(ctx, run))
	assert.ErrorIs(t, store.CreateRun(ctx, run), ErrRunExists)
}

func TestUpdateRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := domain.NewRun(domain.OpStage, testContext(t, "feature", domain.ModeTest), domain.RunStaging)
	require.NoError(t, store.CreateRun(ctx, run))

	run.SetResult(1, "1 failing test\n")
	require.NoError(t, run.Transition(domain.RunFailed))
	require.NoError(t, store.UpdateRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, 1, got.ExitCode)
	assert.Equal(t, "1 failing test\n", got.Output)
	require.NotNil(t, got.FinishedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	run := domain.NewRun(domain.OpUpdate, testContext(t, "main", domain.ModeRelease), domain.RunRestoring)
	assert.ErrorIs(t, store.UpdateRun(context.Background(), run), ErrNotFound)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns_FiltersAndOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mainCtx := testContext(t, "main", domain.ModeRelease)
	featureCtx := testContext(t, "feature", domain.ModeTest)

	base := time.Now().UTC()
	var ids []string
	for i, tc := range []struct {
		op domain.Operation
		c  *domain.Context
	}{
		{domain.OpCreate, mainCtx},
		{domain.OpStage, featureCtx},
		{domain.OpUpdate, mainCtx},
	} {
		run := domain.NewRun(tc.op, tc.c, domain.RunRestoring)
		run.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateRun(ctx, run))
		ids = append(ids, run.ID)
	}

	all, err := store.ListRuns(ctx, RunListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	byDeployment, err := store.ListRuns(ctx, RunListOptions{DeploymentID: mainCtx.ID})
	require.NoError(t, err)
	assert.Len(t, byDeployment, 2)

	byOp, err := store.ListRuns(ctx, RunListOptions{Operation: domain.OpStage})
	require.NoError(t, err)
	require.Len(t, byOp, 1)
	assert.Equal(t, ids[1], byOp[0].ID)

	paged, err := store.ListRuns(ctx, RunListOptions{ListOptions: ListOptions{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, ids[1], paged[0].ID)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		in   ListOptions
		want ListOptions
	}{
		{ListOptions{}, ListOptions{Limit: 100}},
		{ListOptions{Limit: 5000, Offset: -1}, ListOptions{Limit: 1000}},
		{ListOptions{Limit: 10, Offset: 20}, ListOptions{Limit: 10, Offset: 20}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalize())
	}
	assert.Equal(t, ListOptions{Limit: 100}, DefaultListOptions())
}

// =============================================================================
// Process Record Tests
// =============================================================================

func TestRecordProcess_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := domain.ProcessRecord{
		Name:      "3001-main-release",
		Backend:   "local",
		PID:       4242,
		Instances: 2,
		Status:    domain.ProcessRunning,
		Port:      3001,
		Dir:       "/srv/repos/app",
	}
	require.NoError(t, store.RecordProcess(ctx, rec))

	rec.Status = domain.ProcessRestarting
	rec.Restarts = 1
	require.NoError(t, store.RecordProcess(ctx, rec))

	got, err := store.GetProcess(ctx, rec.Name)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessRestarting, got.Status)
	assert.Equal(t, 1, got.Restarts)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, 2, got.Instances)
	assert.False(t, got.UpdatedAt.IsZero())

	list, err := store.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteProcess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordProcess(ctx, domain.ProcessRecord{Name: "p", Backend: "local", Status: domain.ProcessStopped}))
	require.NoError(t, store.DeleteProcess(ctx, "p"))

	_, err := store.GetProcess(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteProcess(ctx, "p"), ErrNotFound)
}

func TestListProcesses_SortedByName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, store.RecordProcess(ctx, domain.ProcessRecord{Name: name, Backend: "local", Status: domain.ProcessRunning}))
	}

	list, err := store.ListProcesses(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Equal(t, "a,b,c", strings.Join(names, ","))
}

func TestStoreError(t *testing.T) {
	err := NewStoreError("GetRun", "run", "abc", "run not found", ErrNotFound)
	assert.Equal(t, "GetRun run abc: run not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, "ListRuns run: boom", NewStoreError("ListRuns", "run", "", "boom", nil).Error())
	assert.Equal(t, "NewSQLiteStore: boom", NewStoreError("NewSQLiteStore", "", "", "boom", nil).Error())
}
