// Package appconfig persists the master's dashboard configuration: projects,
// hosts, tool-approval rules and the Linear API key. It backs /api/config
// and supplies the live rule list to the session manager.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/rules"
)

// Project is a configured project a session can be started for.
type Project struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Host is a known worker host.
type Host struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Config is the persisted configuration document.
type Config struct {
	Projects          []Project    `json:"projects"`
	Hosts             []Host       `json:"hosts"`
	ToolApprovalRules []rules.Rule `json:"toolApprovalRules"`
	LinearAPIKey      string       `json:"linearApiKey,omitempty"`
}

// Patch is a partial Config; nil fields are left untouched by Apply.
type Patch struct {
	Projects          *[]Project    `json:"projects"`
	Hosts             *[]Host       `json:"hosts"`
	ToolApprovalRules *[]rules.Rule `json:"toolApprovalRules"`
	LinearAPIKey      *string       `json:"linearApiKey"`
}

// Store owns the config file. All mutations persist synchronously with an
// atomic write-temp-then-rename.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
	log  *logger.Logger
}

// NewStore loads (or creates) the config file at path. A corrupt file is
// replaced by an empty config and logged, never a startup failure.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log.WithFields(zap.String("component", "appconfig")),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.cfg = emptyConfig()
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := json.Unmarshal(data, &s.cfg); err != nil {
			s.log.WithError(err).Warn("config file corrupt, starting fresh",
				zap.String("path", path))
			s.cfg = emptyConfig()
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
		}
		normalize(&s.cfg)
	}

	return s, nil
}

func emptyConfig() Config {
	return Config{
		Projects:          []Project{},
		Hosts:             []Host{},
		ToolApprovalRules: []rules.Rule{},
	}
}

// normalize keeps the slices non-nil so JSON responses stay arrays.
func normalize(cfg *Config) {
	if cfg.Projects == nil {
		cfg.Projects = []Project{}
	}
	if cfg.Hosts == nil {
		cfg.Hosts = []Host{}
	}
	if cfg.ToolApprovalRules == nil {
		cfg.ToolApprovalRules = []rules.Rule{}
	}
}

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Config {
	cfg := s.cfg
	cfg.Projects = append([]Project(nil), s.cfg.Projects...)
	cfg.Hosts = append([]Host(nil), s.cfg.Hosts...)
	cfg.ToolApprovalRules = append([]rules.Rule(nil), s.cfg.ToolApprovalRules...)
	return cfg
}

// Apply merges a patch into the config and persists it. Only fields present
// in the patch are replaced.
func (s *Store) Apply(p Patch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Projects != nil {
		s.cfg.Projects = *p.Projects
	}
	if p.Hosts != nil {
		s.cfg.Hosts = *p.Hosts
	}
	if p.ToolApprovalRules != nil {
		s.cfg.ToolApprovalRules = *p.ToolApprovalRules
	}
	if p.LinearAPIKey != nil {
		s.cfg.LinearAPIKey = *p.LinearAPIKey
	}
	normalize(&s.cfg)

	if err := s.persistLocked(); err != nil {
		return Config{}, err
	}
	return s.copyLocked(), nil
}

// ToolApprovalRules returns the current rule list. Implements the session
// manager's RuleProvider so rule changes apply to the next request.
func (s *Store) ToolApprovalRules() []rules.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rules.Rule(nil), s.cfg.ToolApprovalRules...)
}

// HasLinear reports whether a Linear API key is configured. The key itself
// is never exposed through the API.
func (s *Store) HasLinear() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.LinearAPIKey != ""
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
