package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/session-store/internal/core/codec"
)

func TestNewRecordIsLoadedAndUnsaved(t *testing.T) {
	r := NewRecord("2::x", nil, codec.JSON{})
	assert.True(t, r.Loaded())
	assert.False(t, r.Persisted())

	data, err := r.Data()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestLoadRecordDecodesLazily(t *testing.T) {
	r := LoadRecord("2::x", `{"foo":"bar"}`, codec.JSON{})
	assert.False(t, r.Loaded())
	assert.True(t, r.Persisted())

	data, err := r.Data()
	require.NoError(t, err)
	assert.True(t, r.Loaded())
	assert.Equal(t, map[string]any{"foo": "bar"}, data)
}

func TestLoadRecordSurfacesDecodeFailure(t *testing.T) {
	r := LoadRecord("2::x", `{"foo":`, codec.JSON{})
	_, err := r.Data()
	assert.ErrorIs(t, err, codec.ErrCorruptPayload)
	assert.False(t, r.Loaded())
}

func TestRecordEncode(t *testing.T) {
	r := LoadRecord("abc", "", codec.Hybrid{})
	r.SetData(map[string]any{"foo": "baz"})

	encoded, err := r.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":"baz"}`, encoded)
	assert.False(t, r.NeedsMigration())
}

func TestRecordNeedsMigration(t *testing.T) {
	legacy, err := codec.Marshal{}.Encode(map[string]any{"foo": "bar"})
	require.NoError(t, err)

	r := LoadRecord("2::x", legacy, codec.Hybrid{})
	assert.True(t, r.NeedsMigration())

	data, err := r.Data()
	require.NoError(t, err)
	assert.Equal(t, "bar", data["foo"])
}
