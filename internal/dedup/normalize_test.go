package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSortsObjectKeys(t *testing.T) {
	t.Parallel()

	a, err := Normalize(map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}})
	require.NoError(t, err)
	b, err := Normalize(map[string]any{"c": []any{"x", "y"}, "a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "{a:1,b:2,c:[x,y]}", a)
}

func TestNormalizePrimitives(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args any
		want string
	}{
		{"string", "hello", "hello"},
		{"integer", 42, "42"},
		{"float keeps rendering", 1.5, "1.5"},
		{"bool", true, "true"},
		{"nil", nil, "null"},
		{"nested", map[string]any{"ids": []any{3, 1, 2}}, "{ids:[3,1,2]}"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeStructMatchesEquivalentMap(t *testing.T) {
	t.Parallel()

	type args struct {
		AccountID int64  `json:"account_id"`
		Phase     string `json:"phase"`
	}

	fromStruct, err := Normalize(args{AccountID: 42, Phase: "story_sync"})
	require.NoError(t, err)
	fromMap, err := Normalize(map[string]any{"phase": "story_sync", "account_id": 42})
	require.NoError(t, err)

	assert.Equal(t, fromMap, fromStruct)
}

func TestRefNormalizesToTypeColonID(t *testing.T) {
	t.Parallel()

	got, err := Normalize(map[string]any{"item": Ref{Type: "content_item", ID: "af31"}})
	require.NoError(t, err)
	assert.Equal(t, "{item:content_item:af31}", got)

	// Two references to the same record normalize identically even if
	// the loaded record's attributes drifted in between.
	again, err := Normalize(map[string]any{"item": Ref{Type: "content_item", ID: "af31"}})
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestMarkerKeyDeterministicAndClassScoped(t *testing.T) {
	t.Parallel()

	args := map[string]any{"account_id": int64(42)}

	k1, err := MarkerKey("jobs.AccountProcessingTick", args)
	require.NoError(t, err)
	k2, err := MarkerKey("jobs.AccountProcessingTick", map[string]any{"account_id": int64(42)})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "dedup:")

	other, err := MarkerKey("jobs.AccountFanoutBatch", args)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)
}

func TestMarkerKeyRejectsUnmarshalableArgs(t *testing.T) {
	t.Parallel()

	_, err := MarkerKey("jobs.AccountProcessingTick", make(chan int))
	require.Error(t, err)
}
