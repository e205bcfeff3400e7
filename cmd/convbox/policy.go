package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/p-arndt/convbox/internal/config"
	"github.com/p-arndt/convbox/internal/errdefs"
	"github.com/p-arndt/convbox/internal/policy"
)

// policyFile narrows or widens the host defaults for one invocation.
// Limits accept the loose forms LimitsFromMap understands ("2s", 30,
// "50MiB").
type policyFile struct {
	Capabilities *[]string      `yaml:"capabilities"`
	EnvAllowList *[]string      `yaml:"env_allow_list"`
	Limits       map[string]any `yaml:"limits"`
}

// runPolicy builds the run config from the host config and an optional
// policy file. The working root is always the host's work_root.
func runPolicy(cfg *config.Config, path string) (policy.Config, error) {
	if err := os.MkdirAll(cfg.WorkRoot, 0700); err != nil {
		return policy.Config{}, fmt.Errorf("create work root: %w", err)
	}
	base, err := cfg.Policy()
	if err != nil {
		return policy.Config{}, err
	}
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Config{}, errdefs.Configuration("policy file: %v", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return policy.Config{}, errdefs.Configuration("policy file %s: %v", path, err)
	}

	caps := base.Capabilities()
	if pf.Capabilities != nil {
		if caps, err = policy.ParseCapabilitySet(*pf.Capabilities); err != nil {
			return policy.Config{}, err
		}
	}
	env := base.EnvAllowList()
	if pf.EnvAllowList != nil {
		env = *pf.EnvAllowList
	}
	limits, err := policy.LimitsFromMap(pf.Limits)
	if err != nil {
		return policy.Config{}, err
	}
	return policy.NewConfig(base.Root(), caps, limits.MergedWith(base.Limits()), env)
}
