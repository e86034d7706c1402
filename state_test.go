//go:build test_unit

package go_mdnsd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppStatePersistsValues(t *testing.T) {
	dir := t.TempDir()

	var state AppState
	require.NoError(t, state.Read(dir))
	assert.Empty(t, state.GetLastAddress())

	require.NoError(t, state.SetLastAddress("10.0.0.2"))
	require.NoError(t, state.SetLastPort(8080))
	require.NoError(t, state.SetLastName("sillytavern"))
	require.NoError(t, state.SetPriorityList(PriorityList{"tun", "wlan"}))

	var reloaded AppState
	require.NoError(t, reloaded.Read(dir))
	assert.Equal(t, "10.0.0.2", reloaded.GetLastAddress())
	assert.Equal(t, 8080, reloaded.GetLastPort())
	assert.Equal(t, "sillytavern", reloaded.GetLastName())
	assert.Equal(t, PriorityList{"tun", "wlan"}, reloaded.GetPriorityList())

	// no temporary files are left behind
	matches, err := filepath.Glob(filepath.Join(dir, "state.json.*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAppStateRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{"), 0o600))

	var state AppState
	assert.Error(t, state.Read(dir))
}

func TestAppStateInMemory(t *testing.T) {
	var state AppState
	require.NoError(t, state.SetLastPort(9000))
	assert.Equal(t, 9000, state.GetLastPort())
}
