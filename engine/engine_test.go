package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenKvsEngine(t *testing.T) {
	dir := t.TempDir()

	eng, err := Open(dir, Kvs, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close() // nolint:errcheck

	require.NoError(t, eng.Set("k", "v"))

	val, err := eng.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", val)
}

func TestBoltEngineOperations(t *testing.T) {
	dir := t.TempDir()

	eng, err := Open(dir, Bolt, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close() // nolint:errcheck

	require.NoError(t, eng.Set("k", "v1"))
	require.NoError(t, eng.Set("k", "v2"))

	val, err := eng.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v2", val)

	_, err = eng.Get("missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, eng.Remove("k"))
	require.ErrorIs(t, eng.Remove("k"), ErrKeyNotFound)
	_, err = eng.Get("k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBoltEnginePersistence(t *testing.T) {
	dir := t.TempDir()

	eng, err := Open(dir, Bolt, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Set("k", "v"))
	require.NoError(t, eng.Close())

	eng2, err := Open(dir, Bolt, zap.NewNop())
	require.NoError(t, err)
	defer eng2.Close() // nolint:errcheck

	val, err := eng2.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", val)
}

func TestEngineMismatchFailsFast(t *testing.T) {
	dir := t.TempDir()

	eng, err := Open(dir, Kvs, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = Open(dir, Bolt, zap.NewNop())
	require.ErrorIs(t, err, ErrMismatchEngine)

	// and the other way around
	dir2 := t.TempDir()

	eng2, err := Open(dir2, Bolt, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng2.Close())

	_, err = Open(dir2, Kvs, zap.NewNop())
	require.ErrorIs(t, err, ErrMismatchEngine)
}

func TestUnknownEngineName(t *testing.T) {
	_, err := Open(t.TempDir(), "lsm", zap.NewNop())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMismatchEngine)
}
