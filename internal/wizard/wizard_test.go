package wizard

import (
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/config"
)

func TestRunDefaultsWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatehouse.json")

	written, err := RunDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestRunDefaultsEnvOverrides(t *testing.T) {
	t.Setenv("GATEHOUSE_ADDR", ":9090")
	t.Setenv("GATEHOUSE_STORAGE_DRIVER", "sqlite")
	t.Setenv("GATEHOUSE_STORAGE_DSN", "gatehouse.db")

	path := filepath.Join(t.TempDir(), "gatehouse.json")
	_, err := RunDefaults(path)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "gatehouse.db", cfg.Storage.DSN)
}

func TestRunDefaultsPostgresRequiresDSN(t *testing.T) {
	t.Setenv("GATEHOUSE_STORAGE_DRIVER", "postgres")
	t.Setenv("GATEHOUSE_STORAGE_DSN", "")

	_, err := RunDefaults(filepath.Join(t.TempDir(), "gatehouse.json"))
	assert.Error(t, err)
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func advance(m Model, keys ...string) Model {
	for _, k := range keys {
		next, _ := m.Update(keyMsg(k))
		m = next.(Model)
	}
	return m
}

func TestWizardBuildConfigDefaults(t *testing.T) {
	m := NewModel("gatehouse.json")

	// Accept every step as-is: addr, driver (memory skips DSN), connectors,
	// departments.
	m = advance(m, "enter", "enter", "enter", "enter")
	require.Equal(t, stepConfirm, m.step)

	cfg := m.buildConfig()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Empty(t, cfg.Storage.DSN)
	assert.True(t, cfg.Connectors.AzureADEnabled)
	assert.False(t, cfg.Connectors.JiraEnabled)
}

func TestWizardSqliteDriverAsksForDSN(t *testing.T) {
	m := NewModel("gatehouse.json")

	m = advance(m, "enter") // accept addr
	require.Equal(t, stepDriver, m.step)

	m = advance(m, "down", "enter") // select sqlite
	assert.Equal(t, stepDSN, m.step)
}

func TestWizardConnectorToggle(t *testing.T) {
	m := NewModel("gatehouse.json")

	m = advance(m, "enter", "enter") // addr, memory driver
	require.Equal(t, stepConnectors, m.step)

	// Toggle Azure AD off and Jira on.
	m = advance(m, " ", "down", "down", "down", " ", "enter", "enter")
	require.Equal(t, stepConfirm, m.step)

	cfg := m.buildConfig()
	assert.False(t, cfg.Connectors.AzureADEnabled)
	assert.True(t, cfg.Connectors.GitHubEnabled)
	assert.True(t, cfg.Connectors.JiraEnabled)
}

func TestWizardEscGoesBack(t *testing.T) {
	m := NewModel("gatehouse.json")

	m = advance(m, "enter")
	require.Equal(t, stepDriver, m.step)

	m = advance(m, "esc")
	assert.Equal(t, stepAddr, m.step)
}
