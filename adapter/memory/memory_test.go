package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-auth/adapter"
)

func TestAdapter_CRUD(t *testing.T) {
	ctx := context.Background()
	a := New()

	created, err := a.Create(ctx, "user", adapter.Record{"email": "ada@example.com", "name": "Ada"})
	require.NoError(t, err)
	require.NotEmpty(t, created.String("id"))

	found, err := a.FindOne(ctx, "user", []adapter.Where{adapter.Eq("email", "ada@example.com")})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Ada", found.String("name"))

	updated, err := a.Update(ctx, "user", adapter.Record{"name": "Ada Lovelace"},
		[]adapter.Where{adapter.Eq("id", created.String("id"))})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", updated.String("name"))

	n, err := a.Count(ctx, "user", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := a.DeleteMany(ctx, "user", []adapter.Where{adapter.Eq("id", created.String("id"))})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	missing, err := a.FindOne(ctx, "user", []adapter.Where{adapter.Eq("id", created.String("id"))})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAdapter_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	a := New()

	created, err := a.Create(ctx, "widget", adapter.Record{"color": "red"})
	require.NoError(t, err)
	created["color"] = "blue"

	found, err := a.FindOne(ctx, "widget", nil)
	require.NoError(t, err)
	assert.Equal(t, "red", found.String("color"))
}

func TestAdapter_DuplicateID(t *testing.T) {
	ctx := context.Background()
	a := New()

	_, err := a.Create(ctx, "widget", adapter.Record{"id": "w1"})
	require.NoError(t, err)
	_, err = a.Create(ctx, "widget", adapter.Record{"id": "w1"})
	assert.Error(t, err)
}

func TestAdapter_Operators(t *testing.T) {
	ctx := context.Background()
	a := New()
	now := time.Now()

	for i, exp := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour), now.Add(2 * time.Hour)} {
		_, err := a.Create(ctx, "session", adapter.Record{"userId": []string{"u1", "u2", "u1"}[i], "expiresAt": exp, "rank": i})
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		where []adapter.Where
		want  int
	}{
		{"eq", []adapter.Where{adapter.Eq("userId", "u1")}, 2},
		{"ne", []adapter.Where{{Field: "userId", Value: "u1", Operator: adapter.OpNe}}, 1},
		{"gt time", []adapter.Where{{Field: "expiresAt", Value: now, Operator: adapter.OpGt}}, 2},
		{"lt time", []adapter.Where{{Field: "expiresAt", Value: now, Operator: adapter.OpLt}}, 1},
		{"gte number", []adapter.Where{{Field: "rank", Value: 1, Operator: adapter.OpGte}}, 2},
		{"in", []adapter.Where{{Field: "userId", Value: []string{"u2", "u3"}, Operator: adapter.OpIn}}, 1},
		{"and", []adapter.Where{adapter.Eq("userId", "u1"), {Field: "expiresAt", Value: now, Operator: adapter.OpGt}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := a.Count(ctx, "session", tt.where)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	_, err := a.Count(ctx, "session", []adapter.Where{{Field: "userId", Value: "u1", Operator: "like"}})
	assert.ErrorIs(t, err, adapter.ErrUnknownOperator)
}

func TestAdapter_CustomIDGenerator(t *testing.T) {
	a := New()
	a.SetIDGenerator(func() string { return "fixed-id" })

	rec, err := a.Create(context.Background(), "widget", adapter.Record{})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", rec.String("id"))
	assert.Equal(t, 1, a.Len("widget"))
}
