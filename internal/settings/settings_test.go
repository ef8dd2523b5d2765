package settings

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path, nil)

	require.NoError(t, s.Set("linearApiKey", "lin_abc"))
	require.NoError(t, s.Set("theme", "dark"))
	assert.Equal(t, "lin_abc", s.Get("linearApiKey"))

	// Values survive a reload.
	reloaded := NewStore(path, nil)
	assert.Equal(t, "dark", reloaded.Get("theme"))
	assert.Len(t, reloaded.All(), 2)
}

func TestEmptyValueDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path, nil)

	require.NoError(t, s.Set("key", "v"))
	require.NoError(t, s.Set("key", ""))
	assert.Empty(t, s.Get("key"))
	assert.Empty(t, NewStore(path, nil).All())
}

func TestFileModeProtectsKeys(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path, nil)
	require.NoError(t, s.Set("apiKey", "secret"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	s := NewStore(path, nil)
	assert.Empty(t, s.All())
}
