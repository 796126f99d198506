// Package wsconfig reads the optional per-worktree configuration file that
// repositories can ship to customize workspace provisioning.
package wsconfig

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const relativePath = ".factory/config.yml"

// Config is the per-repository workspace configuration.
type Config struct {
	// SetupScript runs once during provisioning, instead of the project's
	// startup script.
	SetupScript string `yaml:"setup_script"`
	// AgentCommand overrides the default agent command for new sessions.
	AgentCommand string `yaml:"agent_command"`
	// Env is exported into agent and script sessions.
	Env map[string]string `yaml:"env"`
}

func (c *Config) HasSetupScript() bool {
	return c != nil && strings.TrimSpace(c.SetupScript) != ""
}

// Load reads the worktree's config file. A missing or unparsable file
// yields nil with no error; provisioning never fails on a bad config.
func Load(worktreePath string) *Config {
	data, err := os.ReadFile(filepath.Join(worktreePath, relativePath))
	if err != nil {
		return nil
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}
