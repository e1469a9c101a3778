package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlock/memoryd/internal/logging"
)

func newTestRegistry() *registry {
	return newRegistry("memories_", 4, 16, 200, logging.NewNop())
}

func TestTableName(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		scope Scope
		want  string
	}{
		{Scope{TenantID: "acme", ProjectID: "web"}, "memories_acme_web"},
		{Scope{TenantID: "acme-corp", ProjectID: "web.app"}, "memories_acme_corp_web_app"},
		{Scope{TenantID: "T@nant!", ProjectID: "pr oj"}, "memories_T_nant__pr_oj"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.tableName(tt.scope))
	}
}

func TestGetOrCreateTable(t *testing.T) {
	ctx := context.Background()
	scope := Scope{TenantID: "acme", ProjectID: "web"}

	t.Run("first use creates, second hits the cache", func(t *testing.T) {
		r := newTestRegistry()
		db := newFakeDatabase("memory_store")

		tbl, outcome, err := r.getOrCreateTable(ctx, db, scope)
		require.NoError(t, err)
		assert.Equal(t, ProvisionCreated, outcome)
		assert.Equal(t, "memories_acme_web", tbl.Name())

		again, outcome, err := r.getOrCreateTable(ctx, db, scope)
		require.NoError(t, err)
		assert.Equal(t, ProvisionCached, outcome)
		assert.Same(t, tbl, again)
		assert.Equal(t, 1, db.createCalls)
	})

	t.Run("existing table is fetched, not recreated", func(t *testing.T) {
		r := newTestRegistry()
		db := newFakeDatabase("memory_store")
		_, err := db.CreateTable(ctx, "memories_acme_web", r.schema())
		require.NoError(t, err)

		_, outcome, err := r.getOrCreateTable(ctx, db, scope)
		require.NoError(t, err)
		assert.Equal(t, ProvisionAlreadyExists, outcome)
		assert.Equal(t, 1, db.getCalls)
	})

	t.Run("indexes exist before the handle is returned", func(t *testing.T) {
		r := newTestRegistry()
		db := newFakeDatabase("memory_store")

		tbl, _, err := r.getOrCreateTable(ctx, db, scope)
		require.NoError(t, err)
		require.Len(t, tbl.(*fakeTable).indexes, 2)
	})

	t.Run("reset forces reprovisioning", func(t *testing.T) {
		r := newTestRegistry()
		db := newFakeDatabase("memory_store")

		_, _, err := r.getOrCreateTable(ctx, db, scope)
		require.NoError(t, err)
		r.Reset()

		_, outcome, err := r.getOrCreateTable(ctx, db, scope)
		require.NoError(t, err)
		assert.Equal(t, ProvisionAlreadyExists, outcome, "table survives, handle does not")
	})
}

func TestProvisionOutcomeString(t *testing.T) {
	assert.Equal(t, "cached", ProvisionCached.String())
	assert.Equal(t, "created", ProvisionCreated.String())
	assert.Equal(t, "already_exists", ProvisionAlreadyExists.String())
}
