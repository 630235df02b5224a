package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowgate.yml.
type Config struct {
	EntityTypes map[string]struct {
		Description string `yaml:"description"`
	} `yaml:"entity_types"`
	Seed struct {
		Version   string         `yaml:"version"`
		Statuses  []SeedStatus   `yaml:"statuses"`
		Workflows []SeedWorkflow `yaml:"workflows"`
		Users     []SeedUser     `yaml:"users"`
	} `yaml:"seed"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type SeedStatus struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Color       string   `yaml:"color"`
	Description string   `yaml:"description"`
	EntityTypes []string `yaml:"entity_types"`
}

type SeedTransition struct {
	ID               string   `yaml:"id"`
	From             string   `yaml:"from"`
	To               string   `yaml:"to"`
	RequiresApproval bool     `yaml:"requires_approval"`
	ApproverRoles    []string `yaml:"approver_roles"`
	ApproverUserIDs  []string `yaml:"approver_user_ids"`
}

type SeedWorkflow struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	EntityType  string           `yaml:"entity_type"`
	Statuses    []string         `yaml:"statuses"`
	Transitions []SeedTransition `yaml:"transitions"`
	Default     bool             `yaml:"default"`
}

type SeedUser struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.EntityTypes) == 0 {
		return fmt.Errorf("config.entity_types must declare at least one entity type")
	}
	for id := range c.EntityTypes {
		if id == "" {
			return fmt.Errorf("config.entity_types contains an empty id")
		}
	}

	hasSeed := len(c.Seed.Statuses) > 0 || len(c.Seed.Workflows) > 0 || len(c.Seed.Users) > 0
	if hasSeed && c.Seed.Version == "" {
		return fmt.Errorf("config.seed.version is required when seed data is present")
	}

	statusIDs := map[string]bool{}
	for _, s := range c.Seed.Statuses {
		if s.ID == "" {
			return fmt.Errorf("config.seed.statuses contains a status without id")
		}
		if s.Name == "" {
			return fmt.Errorf("seed status %s has no name", s.ID)
		}
		if statusIDs[s.ID] {
			return fmt.Errorf("seed status %s declared twice", s.ID)
		}
		statusIDs[s.ID] = true
		if s.Color != "" && !isHexColor(s.Color) {
			return fmt.Errorf("seed status %s has invalid color %q", s.ID, s.Color)
		}
		for _, et := range s.EntityTypes {
			if _, ok := c.EntityTypes[et]; !ok {
				return fmt.Errorf("seed status %s references unknown entity type %s", s.ID, et)
			}
		}
	}

	userIDs := map[string]bool{}
	for _, u := range c.Seed.Users {
		if u.ID == "" {
			return fmt.Errorf("config.seed.users contains a user without id")
		}
		if u.Name == "" {
			return fmt.Errorf("seed user %s has no name", u.ID)
		}
		if u.Role != "admin" && u.Role != "user" {
			return fmt.Errorf("seed user %s has invalid role %q", u.ID, u.Role)
		}
		userIDs[u.ID] = true
	}

	defaultFor := map[string]string{}
	for _, wf := range c.Seed.Workflows {
		if wf.ID == "" {
			return fmt.Errorf("config.seed.workflows contains a workflow without id")
		}
		if wf.Name == "" {
			return fmt.Errorf("seed workflow %s has no name", wf.ID)
		}
		if _, ok := c.EntityTypes[wf.EntityType]; !ok {
			return fmt.Errorf("seed workflow %s references unknown entity type %q", wf.ID, wf.EntityType)
		}
		if len(wf.Statuses) == 0 {
			return fmt.Errorf("seed workflow %s has no statuses", wf.ID)
		}
		members := map[string]bool{}
		for _, sid := range wf.Statuses {
			if !statusIDs[sid] {
				return fmt.Errorf("seed workflow %s references unknown status %s", wf.ID, sid)
			}
			if members[sid] {
				return fmt.Errorf("seed workflow %s lists status %s twice", wf.ID, sid)
			}
			members[sid] = true
		}
		edges := map[string]bool{}
		for _, t := range wf.Transitions {
			if t.ID == "" {
				return fmt.Errorf("seed workflow %s contains a transition without id", wf.ID)
			}
			if !members[t.From] {
				return fmt.Errorf("transition %s departs from status %s outside workflow %s", t.ID, t.From, wf.ID)
			}
			if !members[t.To] {
				return fmt.Errorf("transition %s targets status %s outside workflow %s", t.ID, t.To, wf.ID)
			}
			if t.From == t.To {
				return fmt.Errorf("transition %s loops on status %s", t.ID, t.From)
			}
			edge := t.From + "->" + t.To
			if edges[edge] {
				return fmt.Errorf("workflow %s has duplicate transition %s", wf.ID, edge)
			}
			edges[edge] = true
			if t.RequiresApproval && len(t.ApproverRoles) == 0 && len(t.ApproverUserIDs) == 0 {
				return fmt.Errorf("transition %s requires approval but lists no approvers", t.ID)
			}
			for _, role := range t.ApproverRoles {
				if role != "admin" && role != "user" {
					return fmt.Errorf("transition %s has invalid approver role %q", t.ID, role)
				}
			}
			if len(userIDs) > 0 {
				for _, uid := range t.ApproverUserIDs {
					if !userIDs[uid] {
						return fmt.Errorf("transition %s references unknown approver user %s", t.ID, uid)
					}
				}
			}
		}
		if wf.Default {
			if prev, ok := defaultFor[wf.EntityType]; ok {
				return fmt.Errorf("entity type %s has two default workflows: %s and %s", wf.EntityType, prev, wf.ID)
			}
			defaultFor[wf.EntityType] = wf.ID
		}
	}

	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has no url", i)
		}
	}
	return nil
}

func isHexColor(v string) bool {
	if len(v) != 7 || v[0] != '#' {
		return false
	}
	for _, ch := range v[1:] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `entity_types:
  project:
    description: "Tracked project"
  campaign:
    description: "Marketing campaign"

seed:
  version: "1"

  statuses:
    - id: planning
      name: Planning
      color: "#6b7280"
      description: "Work is being scoped"
      entity_types: [project, campaign]
    - id: in-review
      name: In Review
      color: "#f59e0b"
      description: "Awaiting sign-off"
      entity_types: [project, campaign]
    - id: approved
      name: Approved
      color: "#10b981"
      description: "Signed off and ready"
      entity_types: [project, campaign]

  users:
    - id: admin
      name: Admin
      email: admin@example.com
      role: admin
    - id: demo
      name: Demo User
      email: demo@example.com
      role: user

  workflows:
    - id: wf-project-approval
      name: Project approval
      entity_type: project
      default: true
      statuses: [planning, in-review, approved]
      transitions:
        - id: tr-submit
          from: planning
          to: in-review
        - id: tr-approve
          from: in-review
          to: approved
          requires_approval: true
          approver_roles: [admin]
    - id: wf-campaign-approval
      name: Campaign approval
      entity_type: campaign
      default: true
      statuses: [planning, in-review, approved]
      transitions:
        - id: tr-campaign-submit
          from: planning
          to: in-review
        - id: tr-campaign-approve
          from: in-review
          to: approved
          requires_approval: true
          approver_roles: [admin]
`
