package gormadapter

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/schema"
)

var testSchema = schema.Schema{
	"user": {Fields: map[string]schema.Field{
		"email":         {Type: schema.TypeString, Required: true, Unique: true},
		"name":          {Type: schema.TypeString},
		"emailVerified": {Type: schema.TypeBoolean},
		"createdAt":     {Type: schema.TypeDate},
		"loginCount":    {Type: schema.TypeNumber},
	}},
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	a, err := New(Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Migrate(context.Background(), testSchema))
	return a
}

func TestGetDialector(t *testing.T) {
	tests := []struct {
		driver  string
		wantErr bool
	}{
		{"sqlite", false},
		{"postgres", false},
		{"mysql", true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := GetDialector(tt.driver, "dsn")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, d)
		})
	}
}

func TestRegisterDriver(t *testing.T) {
	var gotDSN string
	RegisterDriver("custom", func(dsn string) gorm.Dialector {
		gotDSN = dsn
		return nil
	})
	t.Cleanup(func() { delete(driverFactories, "custom") })

	_, err := GetDialector("custom", "test-dsn")
	require.NoError(t, err)
	assert.Equal(t, "test-dsn", gotDSN)
}

func TestAdapter_CRUD(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	now := time.Now().UTC().Truncate(time.Second)

	created, err := a.Create(ctx, "user", adapter.Record{
		"email":         "ada@example.com",
		"name":          "Ada",
		"emailVerified": true,
		"createdAt":     now,
		"loginCount":    3,
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	id := created.String("id")
	require.NotEmpty(t, id)

	found, err := a.FindOne(ctx, "user", []adapter.Where{adapter.Eq("email", "ada@example.com")})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Ada", found.String("name"))
	assert.True(t, found.Bool("emailVerified"))
	assert.Equal(t, int64(3), found.Int("loginCount"))
	createdAt, ok := found.Time("createdAt")
	require.True(t, ok)
	assert.True(t, createdAt.Equal(now), "createdAt = %v, want %v", createdAt, now)

	updated, err := a.Update(ctx, "user", adapter.Record{"email": "lovelace@example.com"},
		[]adapter.Where{adapter.Eq("email", "ada@example.com")})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "lovelace@example.com", updated.String("email"))
	assert.Equal(t, id, updated.String("id"))

	none, err := a.Update(ctx, "user", adapter.Record{"name": "x"}, []adapter.Where{adapter.Eq("id", "missing")})
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := a.Count(ctx, "user", []adapter.Where{{Field: "loginCount", Value: 2, Operator: adapter.OpGt}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := a.DeleteMany(ctx, "user", []adapter.Where{{Field: "id", Value: []string{id, "other"}, Operator: adapter.OpIn}})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	missing, err := a.FindOne(ctx, "user", []adapter.Where{adapter.Eq("id", id)})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAdapter_UniqueConstraint(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	_, err := a.Create(ctx, "user", adapter.Record{"email": "dup@example.com"})
	require.NoError(t, err)
	_, err = a.Create(ctx, "user", adapter.Record{"email": "dup@example.com"})
	assert.Error(t, err)
}

func TestAdapter_MigrateAddsColumns(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	extended := schema.Schema{"user": {Fields: map[string]schema.Field{
		"email":          {Type: schema.TypeString, Required: true, Unique: true},
		"twoFactorSetup": {Type: schema.TypeBoolean},
	}}}
	require.NoError(t, a.Migrate(ctx, extended))
	assert.True(t, a.db.Migrator().HasColumn("user", "twoFactorSetup"))

	// re-running is a no-op
	require.NoError(t, a.Migrate(ctx, extended))
}

func TestAdapter_MigrateEmptySchema(t *testing.T) {
	a := newTestAdapter(t)
	assert.ErrorIs(t, a.Migrate(context.Background(), schema.Schema{}), ErrNoSchema)
}

func TestAdapter_UnknownOperator(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.FindMany(context.Background(), "user", []adapter.Where{{Field: "email", Value: "x", Operator: "like"}})
	assert.ErrorIs(t, err, adapter.ErrUnknownOperator)
}
