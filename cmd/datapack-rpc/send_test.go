package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapack-rpc/codec"
	"datapack-rpc/message"
)

func TestBuildEnvelope(t *testing.T) {
	env, err := buildEnvelope([]string{"sum", "2", "3"}, 7, "my:cb")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id": float64(7), "method": "sum", "params": map[string]any{"a": float64(2), "b": float64(3)}, "callback": "my:cb",
	}, env)

	env, err = buildEnvelope([]string{"chat", "hello", "there"}, 1, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hello there"}, env["params"])

	for _, args := range [][]string{nil, {"launch"}, {"ping", "x"}, {"chat"}, {"sum", "1"}, {"sum", "a", "2"}} {
		_, err := buildEnvelope(args, 1, "my:cb")
		assert.Error(t, err, "%v", args)
	}
	_, err = buildEnvelope([]string{"sum", "1", "2"}, 1, "")
	assert.Error(t, err)
}

func TestPlaceCarrierRoundTrip(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "datapacks")
	require.NoError(t, os.Mkdir(root, 0o755))

	env, err := buildEnvelope([]string{"sum", "2", "3"}, 7, "my:cb")
	require.NoError(t, err)
	data, err := codec.Wrap(env, codec.DefaultPackFormat)
	require.NoError(t, err)

	dir, err := placeCarrier(root, "1001", data)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "1001"), dir)

	r := codec.NewReader()
	raw, err := r.Load(filepath.Join(dir, "pack.mcmeta"))
	require.NoError(t, err)
	got, err := r.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, message.SumParams{A: 2, B: 3}, got.Params)
	assert.Equal(t, "my:cb", got.Callback)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directory left behind")
}

func TestPlaceCarrierRejectsBadID(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"", ".", "..", "a/b"} {
		_, err := placeCarrier(root, id, []byte("{}"))
		assert.Error(t, err, id)
	}
}
