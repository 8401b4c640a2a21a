package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models missioncore.yml.
type Config struct {
	Crews        map[string]Crew        `yaml:"crews"`
	MissionTypes map[string]MissionType `yaml:"mission_types"`
	Integrations map[string]Integration `yaml:"integrations"`
	DomainPool   DomainPool             `yaml:"domain_pool"`
	Decision     Decision               `yaml:"decision"`
	Scheduler    Scheduler              `yaml:"scheduler"`
	Bus          Bus                    `yaml:"bus"`
	Analytics    Analytics              `yaml:"analytics"`
	Advisor      Advisor                `yaml:"advisor"`
	Workflows    map[string]Workflow    `yaml:"workflows"`
	Webhooks     []WebhookConfig        `yaml:"webhooks"`
}

type Crew struct {
	Capacity int      `yaml:"capacity"`
	Agents   []string `yaml:"agents"`
}

type MissionType struct {
	Crew            string         `yaml:"crew"`
	RequiresDomain  bool           `yaml:"requires_domain"`
	DomainType      string         `yaml:"domain_type"`
	Workflow        string         `yaml:"workflow"`
	DefaultPriority int            `yaml:"default_priority"`
	Usage           map[string]int `yaml:"usage"`
}

type Integration struct {
	PerMinute int `yaml:"per_minute"`
}

type DomainPool struct {
	ReputationFloor float64    `yaml:"reputation_floor"`
	Identities      []Identity `yaml:"identities"`
}

type Identity struct {
	Identity        string  `yaml:"identity"`
	Status          string  `yaml:"status"`
	Type            string  `yaml:"type"`
	ReputationScore float64 `yaml:"reputation_score"`
}

type Decision struct {
	BoostAfter  time.Duration `yaml:"boost_after"`
	BoostStep   int           `yaml:"boost_step"`
	MaxPriority int           `yaml:"max_priority"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type Scheduler struct {
	AssignInterval      time.Duration `yaml:"assign_interval"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	BatchSize           int           `yaml:"batch_size"`
	MissionTimeout      time.Duration `yaml:"mission_timeout"`
	WorkflowParallelism int           `yaml:"workflow_parallelism"`
}

type Bus struct {
	DeadLetterLimit int           `yaml:"dead_letter_limit"`
	Buffer          int           `yaml:"buffer"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type Analytics struct {
	Interval             time.Duration `yaml:"interval"`
	Window               int           `yaml:"window"`
	MinSamples           int           `yaml:"min_samples"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	LatencyThreshold     time.Duration `yaml:"latency_threshold"`
	EscalationThreshold  int           `yaml:"escalation_threshold"`
	Cooldown             time.Duration `yaml:"cooldown"`
}

type Advisor struct {
	Enabled   bool          `yaml:"enabled"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Workflow struct {
	Description string         `yaml:"description"`
	Tasks       []WorkflowTask `yaml:"tasks"`
}

type WorkflowTask struct {
	ID        string         `yaml:"id"`
	Agent     string         `yaml:"agent"`
	DependsOn []string       `yaml:"depends_on"`
	Critical  bool           `yaml:"critical"`
	Params    map[string]any `yaml:"params"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Crews) == 0 {
		return fmt.Errorf("config.crews is required")
	}
	for name, crew := range c.Crews {
		if name == "" {
			return fmt.Errorf("config.crews contains empty crew name")
		}
		if crew.Capacity <= 0 {
			return fmt.Errorf("crew %s capacity must be positive", name)
		}
	}
	if len(c.MissionTypes) == 0 {
		return fmt.Errorf("config.mission_types is required")
	}
	for name, mt := range c.MissionTypes {
		if _, ok := c.Crews[mt.Crew]; !ok {
			return fmt.Errorf("mission type %s references unknown crew %q", name, mt.Crew)
		}
		for integ, units := range mt.Usage {
			if _, ok := c.Integrations[integ]; !ok {
				return fmt.Errorf("mission type %s uses unknown integration %s", name, integ)
			}
			if units < 0 {
				return fmt.Errorf("mission type %s usage for %s is negative", name, integ)
			}
			if limit := c.Integrations[integ].PerMinute; limit > 0 && units > limit {
				return fmt.Errorf("mission type %s usage for %s (%d) exceeds per_minute %d", name, integ, units, limit)
			}
		}
		if mt.Workflow != "" {
			if _, ok := c.Workflows[mt.Workflow]; !ok {
				return fmt.Errorf("mission type %s references unknown workflow %s", name, mt.Workflow)
			}
		}
		if mt.DefaultPriority < 0 || mt.DefaultPriority > c.Decision.MaxPriority {
			return fmt.Errorf("mission type %s default_priority out of range", name)
		}
	}
	for name, integ := range c.Integrations {
		if integ.PerMinute <= 0 {
			return fmt.Errorf("integration %s per_minute must be positive", name)
		}
	}
	seen := make(map[string]bool)
	for _, id := range c.DomainPool.Identities {
		if id.Identity == "" {
			return fmt.Errorf("config.domain_pool.identities has empty identity")
		}
		if seen[id.Identity] {
			return fmt.Errorf("domain identity %s listed twice", id.Identity)
		}
		seen[id.Identity] = true
		switch id.Status {
		case "", "active", "cold", "suspended":
		default:
			return fmt.Errorf("domain identity %s has unknown status %s", id.Identity, id.Status)
		}
	}
	d := c.Decision
	if d.MaxPriority <= 0 {
		return fmt.Errorf("config.decision.max_priority must be positive")
	}
	if d.BoostAfter <= 0 || d.BaseBackoff <= 0 || d.MaxBackoff < d.BaseBackoff {
		return fmt.Errorf("config.decision durations are invalid")
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("config.decision.max_retries must not be negative")
	}
	s := c.Scheduler
	if s.AssignInterval <= 0 || s.MonitorInterval <= 0 || s.RecoveryInterval <= 0 {
		return fmt.Errorf("config.scheduler intervals must be positive")
	}
	if s.MissionTimeout <= 0 {
		return fmt.Errorf("config.scheduler.mission_timeout must be positive")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("config.scheduler.batch_size must be positive")
	}
	for name, wf := range c.Workflows {
		if len(wf.Tasks) == 0 {
			return fmt.Errorf("workflow %s has no tasks", name)
		}
		ids := make(map[string]bool, len(wf.Tasks))
		for _, t := range wf.Tasks {
			key := t.Key()
			if key == "" {
				return fmt.Errorf("workflow %s has a task without agent", name)
			}
			if ids[key] {
				return fmt.Errorf("workflow %s has duplicate task %s", name, key)
			}
			ids[key] = true
		}
		for _, t := range wf.Tasks {
			for _, dep := range t.DependsOn {
				if !ids[dep] {
					return fmt.Errorf("workflow %s task %s depends on unknown task %s", name, t.Key(), dep)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Key returns the task id, defaulting to the agent name.
func (t WorkflowTask) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Agent
}

// CrewFor returns the crew that serves a mission type.
func (c *Config) CrewFor(missionType string) (string, Crew, bool) {
	mt, ok := c.MissionTypes[missionType]
	if !ok {
		return "", Crew{}, false
	}
	crew, ok := c.Crews[mt.Crew]
	return mt.Crew, crew, ok
}

// CrewNames returns crew names sorted.
func (c *Config) CrewNames() []string {
	names := make([]string, 0, len(c.Crews))
	for name := range c.Crews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missioncore.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// Sections absent from the document keep their defaults; maps are replaced wholesale.
	cfg.Crews, cfg.MissionTypes, cfg.Integrations, cfg.Workflows = nil, nil, nil, nil
	cfg.DomainPool.Identities = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `crews:
  campaign_crew:
    capacity: 3
    agents: [enrichment_agent, lead_scoring_agent, personalization_agent, outreach_agent]
  research_crew:
    capacity: 5
    agents: [enrichment_agent, lead_scoring_agent]
  deliverability_crew:
    capacity: 2
    agents: [warmup_agent]

mission_types:
  campaign_execution:
    crew: campaign_crew
    requires_domain: true
    domain_type: sending
    workflow: campaign_execution
    default_priority: 5
    usage:
      email_api: 50
      llm_api: 20
      crm_api: 10
  lead_research:
    crew: research_crew
    workflow: lead_research
    default_priority: 3
    usage:
      enrichment_api: 25
      llm_api: 5
  follow_up:
    crew: campaign_crew
    requires_domain: true
    domain_type: sending
    workflow: follow_up
    default_priority: 6
    usage:
      email_api: 20
      llm_api: 10
  domain_warmup:
    crew: deliverability_crew
    default_priority: 2
    usage:
      email_api: 30

integrations:
  email_api:
    per_minute: 600
  llm_api:
    per_minute: 200
  crm_api:
    per_minute: 120
  enrichment_api:
    per_minute: 100

domain_pool:
  reputation_floor: 70
  identities: []

decision:
  boost_after: 30m
  boost_step: 1
  max_priority: 10
  max_retries: 3
  base_backoff: 10s
  max_backoff: 1h

scheduler:
  assign_interval: 5s
  monitor_interval: 1m
  recovery_interval: 5s
  batch_size: 10
  mission_timeout: 2h
  workflow_parallelism: 4

bus:
  dead_letter_limit: 1000
  buffer: 256
  request_timeout: 30s

analytics:
  interval: 1m
  window: 100
  min_samples: 10
  failure_rate_threshold: 0.3
  latency_threshold: 30m
  escalation_threshold: 5
  cooldown: 15m

advisor:
  enabled: false
  model: claude-sonnet-4-20250514
  api_key_env: ANTHROPIC_API_KEY
  max_tokens: 64
  timeout: 10s

workflows:
  campaign_execution:
    description: "Research, score, personalize and deliver a campaign step"
    tasks:
      - agent: enrichment_agent
      - agent: lead_scoring_agent
        depends_on: [enrichment_agent]
      - agent: personalization_agent
        depends_on: [enrichment_agent]
      - agent: outreach_agent
        depends_on: [lead_scoring_agent, personalization_agent]
        critical: true
  lead_research:
    description: "Enrich and score a lead list"
    tasks:
      - agent: enrichment_agent
        critical: true
      - agent: lead_scoring_agent
        depends_on: [enrichment_agent]
  follow_up:
    description: "Personalize and send a follow-up"
    tasks:
      - agent: personalization_agent
      - agent: outreach_agent
        depends_on: [personalization_agent]
        critical: true
`
