package lime

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikaara/assembly-lime/internal/config"
	"github.com/aikaara/assembly-lime/sandbox/local"
)

func TestAddSandboxProvidersRegistersLocal(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.DataDir = t.TempDir()
	b := NewBuilder(cfg)
	require.NoError(t, addSandboxProviders(b))

	p, ok := b.providers["local"].(*local.Provider)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.Store.DataDir, "sandboxes", "lime-1"), p.Root("lime-1"))
	assert.Contains(t, b.providers, "docker")
	assert.NotContains(t, b.providers, "remote")

	cfg.Sandbox.Local.Root = filepath.Join(cfg.Store.DataDir, "boxes")
	b = NewBuilder(cfg)
	require.NoError(t, addSandboxProviders(b))
	assert.Equal(t, filepath.Join(cfg.Sandbox.Local.Root, "lime-1"), b.providers["local"].(*local.Provider).Root("lime-1"))
}
