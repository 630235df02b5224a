package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flowgate/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Seed.Workflows) != 2 {
		t.Fatalf("expected 2 seed workflows, got %d", len(cfg.Seed.Workflows))
	}
	if cfg.Seed.Version == "" {
		t.Fatalf("default config has no seed version")
	}
	if def := config.Default(); len(def.EntityTypes) == 0 {
		t.Fatalf("Default() returned empty entity types")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{
			name:    "no entity types",
			mutate:  func(c *config.Config) { c.EntityTypes = nil },
			wantSub: "at least one entity type",
		},
		{
			name: "seed without version",
			mutate: func(c *config.Config) {
				c.Seed.Version = ""
			},
			wantSub: "seed.version is required",
		},
		{
			name: "bad color",
			mutate: func(c *config.Config) {
				c.Seed.Statuses[0].Color = "blue"
			},
			wantSub: "invalid color",
		},
		{
			name: "status with unknown entity type",
			mutate: func(c *config.Config) {
				c.Seed.Statuses[0].EntityTypes = []string{"invoice"}
			},
			wantSub: "unknown entity type",
		},
		{
			name: "bad role",
			mutate: func(c *config.Config) {
				c.Seed.Users[0].Role = "owner"
			},
			wantSub: "invalid role",
		},
		{
			name: "workflow references unknown status",
			mutate: func(c *config.Config) {
				c.Seed.Workflows[0].Statuses = append(c.Seed.Workflows[0].Statuses, "archived")
			},
			wantSub: "unknown status",
		},
		{
			name: "transition outside workflow",
			mutate: func(c *config.Config) {
				c.Seed.Workflows[0].Transitions[0].To = "missing"
			},
			wantSub: "outside workflow",
		},
		{
			name: "self loop",
			mutate: func(c *config.Config) {
				c.Seed.Workflows[0].Transitions[0].To = c.Seed.Workflows[0].Transitions[0].From
			},
			wantSub: "loops on status",
		},
		{
			name: "duplicate edge",
			mutate: func(c *config.Config) {
				wf := &c.Seed.Workflows[0]
				dup := wf.Transitions[0]
				dup.ID = "tr-dup"
				wf.Transitions = append(wf.Transitions, dup)
			},
			wantSub: "duplicate transition",
		},
		{
			name: "approval without approvers",
			mutate: func(c *config.Config) {
				c.Seed.Workflows[0].Transitions[1].ApproverRoles = nil
				c.Seed.Workflows[0].Transitions[1].ApproverUserIDs = nil
			},
			wantSub: "no approvers",
		},
		{
			name: "unknown approver user",
			mutate: func(c *config.Config) {
				c.Seed.Workflows[0].Transitions[1].ApproverUserIDs = []string{"ghost"}
			},
			wantSub: "unknown approver user",
		},
		{
			name: "two defaults for one entity type",
			mutate: func(c *config.Config) {
				extra := c.Seed.Workflows[0]
				extra.ID = "wf-duplicate-default"
				extra.Transitions = nil
				c.Seed.Workflows = append(c.Seed.Workflows, extra)
			},
			wantSub: "two default workflows",
		},
		{
			name: "webhook without url",
			mutate: func(c *config.Config) {
				c.Webhooks = append(c.Webhooks, config.Webhook{Events: []string{"project.transitioned"}})
			},
			wantSub: "has no url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q, got nil", tc.wantSub)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional on empty dir: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for missing file")
	}

	path := config.Path(dir)
	if filepath.Base(path) != "flowgate.yml" {
		t.Fatalf("unexpected config path %s", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil || len(cfg.Seed.Statuses) != 3 {
		t.Fatalf("unexpected loaded config: %+v", cfg)
	}
}

func TestLoadMissingMentionsInit(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "fg config init") {
		t.Fatalf("expected friendly not-found error, got %v", err)
	}
}
