package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/store/sqlite"
	"github.com/hupe1980/agentplan/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		s, err := sqlite.Open(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "nested", "dir", "plans.db")

	s, err := sqlite.Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.CreatePlan(ctx, &core.Plan{
		ID: "p1", Title: "persisted", Status: core.PlanCreated, FailurePolicy: core.SkipOnFailure,
		Steps: []*core.Step{{ID: "a", PlanID: "p1", Status: core.StepPending}},
	}))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", p.Title)
	require.Len(t, p.Steps, 1)
}
