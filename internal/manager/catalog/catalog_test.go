package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
)

const sampleCatalog = `
logs:
  - log_name: xenon2025h2
    log_url: https://ct.googleapis.com/logs/eu1/xenon2025h2/
    category: google
  - log_name: nimbus2025
    log_url: https://ct.cloudflare.com/logs/nimbus2025/
    category: cloudflare
    active: false
  - log_name: ""
    log_url: https://broken.example.com/
    category: junk
`

func TestLoadUpsertsCatalog(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	path := filepath.Join(t.TempDir(), "logs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	loaded, err := Load(path, st, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	lg, err := st.CTLogByName("xenon2025h2")
	require.NoError(t, err)
	assert.True(t, lg.Active)
	assert.Equal(t, "google", lg.Category)

	inactive, err := st.CTLogByName("nimbus2025")
	require.NoError(t, err)
	assert.False(t, inactive.Active)

	// Reloading is an upsert, not a duplicate insert.
	loaded, err = Load(path, st, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	active, err := st.ActiveLogs("")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestLoadMissingFile(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = Load("/does/not/exist.yaml", st, nil)
	assert.Error(t, err)
}
