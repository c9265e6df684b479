package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/rules"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := NewStore(path, log)
	require.NoError(t, err)
	return s, path
}

func TestNewStoreCreatesFile(t *testing.T) {
	s, path := newTestStore(t)

	cfg := s.Get()
	assert.Empty(t, cfg.Projects)
	assert.Empty(t, cfg.Hosts)
	assert.Empty(t, cfg.ToolApprovalRules)
	assert.False(t, s.HasLinear())

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestApplyPatchMergesAndPersists(t *testing.T) {
	s, path := newTestStore(t)

	key := "lin_api_123"
	ruleList := []rules.Rule{{Tool: "Bash", Pattern: "ls *", Action: rules.ActionAllow}}
	_, err := s.Apply(Patch{
		Projects:          &[]Project{{Name: "csm", Path: "/work/csm"}},
		ToolApprovalRules: &ruleList,
		LinearAPIKey:      &key,
	})
	require.NoError(t, err)

	// Untouched fields survive a later partial patch.
	_, err = s.Apply(Patch{Hosts: &[]Host{{ID: "host-1"}}})
	require.NoError(t, err)

	cfg := s.Get()
	assert.Equal(t, "csm", cfg.Projects[0].Name)
	assert.Equal(t, "host-1", cfg.Hosts[0].ID)
	assert.Equal(t, ruleList, cfg.ToolApprovalRules)
	assert.True(t, s.HasLinear())

	// Reload from disk sees the same state.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	reloaded, err := NewStore(path, log)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded.Get())
}

func TestCorruptFileStartsFresh(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0600))

	s, err := NewStore(path, log)
	require.NoError(t, err)
	assert.Empty(t, s.Get().Projects)

	// The fresh config was written back as valid JSON.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg Config
	assert.NoError(t, json.Unmarshal(data, &cfg))
}

func TestToolApprovalRulesReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	ruleList := []rules.Rule{{Tool: "Bash", Action: rules.ActionAllow}}
	_, err := s.Apply(Patch{ToolApprovalRules: &ruleList})
	require.NoError(t, err)

	got := s.ToolApprovalRules()
	got[0].Tool = "mutated"
	assert.Equal(t, "Bash", s.ToolApprovalRules()[0].Tool)
}
