// Package config loads and validates the Wooster configuration snapshot. The
// snapshot is built once at startup from an optional YAML file overlaid with
// WOOSTER_* environment variables, then passed read-only to every component.
// Components never re-read the environment after startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid reports a configuration that cannot support startup, such as a
// missing chat provider. Callers should fail fast and surface the wrapped
// reason to the operator.
var ErrInvalid = errors.New("invalid configuration")

type (
	// Config is the immutable configuration view shared across components.
	Config struct {
		// OpenAI configures the default OpenAI-compatible provider.
		OpenAI OpenAI `yaml:"openai"`
		// Routing configures the model router.
		Routing Routing `yaml:"routing"`
		// KnowledgeBase configures ingestion, storage and retrieval.
		KnowledgeBase KnowledgeBase `yaml:"knowledgeBase"`
		// Scheduler configures the durable task scheduler.
		Scheduler Scheduler `yaml:"scheduler"`
		// CodeAgent bounds sandboxed code-agent execution. The classic tool
		// loop reuses the step and total deadlines.
		CodeAgent CodeAgent `yaml:"codeAgent"`
		// Plugins maps canonical plugin names to enablement flags. A missing
		// entry defaults to enabled.
		Plugins map[string]bool `yaml:"plugins"`
		// Logging controls console/file levels and quiet mode.
		Logging Logging `yaml:"logging"`
		// Prompts locates the base system prompt and supplement directory.
		Prompts Prompts `yaml:"prompts"`
		// Workspace is the root directory for projects/, gtd/ and health files.
		Workspace string `yaml:"workspace"`
	}

	// OpenAI holds credentials and defaults for the OpenAI provider.
	OpenAI struct {
		APIKey         string  `yaml:"apiKey"`
		BaseURL        string  `yaml:"baseURL"`
		ModelName      string  `yaml:"modelName"`
		Temperature    float64 `yaml:"temperature"`
		MaxTokens      int     `yaml:"maxTokens"`
		EmbeddingModel string  `yaml:"embeddingModel"`
	}

	// Routing configures provider selection. Providers maps provider names to
	// their connection settings; Profiles maps task tags to selection profiles.
	Routing struct {
		Enabled             bool                `yaml:"enabled"`
		Strategy            string              `yaml:"strategy"`
		FallbackChain       []string            `yaml:"fallbackChain"`
		Providers           map[string]Provider `yaml:"providers"`
		Profiles            map[string]Profile  `yaml:"profiles"`
		HealthCheckInterval time.Duration       `yaml:"healthCheckInterval"`
		MissThreshold       int                 `yaml:"missThreshold"`
		MaxAttempts         int                 `yaml:"maxAttempts"`
	}

	// Provider describes one chat/embedding backend. Kind selects the adapter
	// ("openai", "anthropic", "openai-compatible" for local servers).
	Provider struct {
		Kind    string `yaml:"kind"`
		APIKey  string `yaml:"apiKey"`
		BaseURL string `yaml:"baseURL"`
	}

	// Profile is the per-task-tag selection profile. Preferred entries use
	// "provider/model" identifiers.
	Profile struct {
		Preferred   []string      `yaml:"preferred"`
		Temperature float64       `yaml:"temperature"`
		MaxTokens   int           `yaml:"maxTokens"`
		Timeout     time.Duration `yaml:"timeoutMs"`
		Criteria    string        `yaml:"criteria"`
	}

	// KnowledgeBase configures the KB stores and ingestion.
	KnowledgeBase struct {
		DBPath             string        `yaml:"dbPath"`
		Vector             Vector        `yaml:"vector"`
		Namespaces         []string      `yaml:"namespaces"`
		PrivacyExcludeTags []string      `yaml:"privacyExcludedTags"`
		WatchDirs          []string      `yaml:"watchDirs"`
		DebounceWindow     time.Duration `yaml:"debounceWindow"`
		EmbedBatchSize     int           `yaml:"embedBatchSize"`
	}

	// Vector configures the vector index backend.
	Vector struct {
		Provider string `yaml:"provider"`
		Path     string `yaml:"path"`
		Dims     int    `yaml:"dims"`
	}

	// Scheduler configures the durable scheduler store.
	Scheduler struct {
		DBPath string `yaml:"dbPath"`
	}

	// CodeAgent bounds sandboxed execution.
	CodeAgent struct {
		MaxAttempts     int           `yaml:"maxAttempts"`
		StepTimeout     time.Duration `yaml:"stepTimeoutMs"`
		TotalTimeout    time.Duration `yaml:"totalTimeoutMs"`
		MemoryLimitMB   int           `yaml:"memoryLimitMb"`
		MaxOutputLength int           `yaml:"maxOutputLength"`
	}

	// Logging configures log destinations and verbosity.
	Logging struct {
		ConsoleLevel         string `yaml:"consoleLevel"`
		FileLevel            string `yaml:"fileLevel"`
		LogFile              string `yaml:"logFile"`
		QuietMode            bool   `yaml:"quietMode"`
		LogAgentInteractions bool   `yaml:"logAgentInteractions"`
	}

	// Prompts locates prompt assets.
	Prompts struct {
		BaseFile      string `yaml:"baseFile"`
		SupplementDir string `yaml:"supplementDir"`
	}
)

// Defaults returns the configuration defaults applied before file and
// environment overlays.
func Defaults() Config {
	return Config{
		OpenAI: OpenAI{
			ModelName:      "gpt-4o-mini",
			Temperature:    0.2,
			MaxTokens:      2048,
			EmbeddingModel: "text-embedding-3-small",
		},
		Routing: Routing{
			Enabled:             true,
			Strategy:            "availability",
			HealthCheckInterval: 30 * time.Second,
			MissThreshold:       1,
			MaxAttempts:         3,
		},
		KnowledgeBase: KnowledgeBase{
			DBPath:         "wooster_kb.db",
			Vector:         Vector{Provider: "bolt", Path: "vector_data", Dims: 1536},
			Namespaces:     []string{"notes", "profile"},
			DebounceWindow: 250 * time.Millisecond,
			EmbedBatchSize: 64,
		},
		Scheduler: Scheduler{DBPath: "wooster_scheduler.db"},
		CodeAgent: CodeAgent{
			MaxAttempts:     3,
			StepTimeout:     15 * time.Second,
			TotalTimeout:    2 * time.Minute,
			MemoryLimitMB:   128,
			MaxOutputLength: 16 * 1024,
		},
		Plugins:   map[string]bool{},
		Logging:   Logging{ConsoleLevel: "info", FileLevel: "debug"},
		Prompts:   Prompts{BaseFile: "prompts/system.md", SupplementDir: "prompts/supplements"},
		Workspace: ".",
	}
}

// Load builds the configuration snapshot: defaults, then the YAML file at
// path (skipped when empty or absent), then WOOSTER_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Optional file; fall through to env overlay.
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the snapshot can support startup.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" && len(c.Routing.Providers) == 0 {
		return fmt.Errorf("%w: no chat provider configured (set WOOSTER_OPENAI_API_KEY or routing.providers)", ErrInvalid)
	}
	if c.KnowledgeBase.Vector.Dims <= 0 {
		return fmt.Errorf("%w: knowledgeBase.vector.dims must be positive", ErrInvalid)
	}
	if c.CodeAgent.MaxAttempts <= 0 {
		return fmt.Errorf("%w: codeAgent.maxAttempts must be positive", ErrInvalid)
	}
	return nil
}

// PluginEnabled reports whether the named plugin is enabled. Missing entries
// default to enabled.
func (c *Config) PluginEnabled(name string) bool {
	enabled, ok := c.Plugins[name]
	if !ok {
		return true
	}
	return enabled
}

// applyEnv overlays WOOSTER_* environment variables onto cfg. lookup is
// injectable for tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDurationMs := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}

	setString("WOOSTER_OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	setString("WOOSTER_OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	setString("WOOSTER_OPENAI_MODEL", &cfg.OpenAI.ModelName)
	setFloat("WOOSTER_OPENAI_TEMPERATURE", &cfg.OpenAI.Temperature)
	setInt("WOOSTER_OPENAI_MAX_TOKENS", &cfg.OpenAI.MaxTokens)
	setString("WOOSTER_OPENAI_EMBEDDING_MODEL", &cfg.OpenAI.EmbeddingModel)

	setBool("WOOSTER_ROUTING_ENABLED", &cfg.Routing.Enabled)
	setString("WOOSTER_ROUTING_STRATEGY", &cfg.Routing.Strategy)
	setInt("WOOSTER_ROUTING_MAX_ATTEMPTS", &cfg.Routing.MaxAttempts)
	setInt("WOOSTER_ROUTING_MISS_THRESHOLD", &cfg.Routing.MissThreshold)
	if v, ok := lookup("WOOSTER_ROUTING_FALLBACK_CHAIN"); ok {
		cfg.Routing.FallbackChain = splitList(v)
	}

	setString("WOOSTER_KB_DB_PATH", &cfg.KnowledgeBase.DBPath)
	setString("WOOSTER_KB_VECTOR_PATH", &cfg.KnowledgeBase.Vector.Path)
	setInt("WOOSTER_KB_VECTOR_DIMS", &cfg.KnowledgeBase.Vector.Dims)
	setInt("WOOSTER_KB_EMBED_BATCH_SIZE", &cfg.KnowledgeBase.EmbedBatchSize)
	setDurationMs("WOOSTER_KB_DEBOUNCE_MS", &cfg.KnowledgeBase.DebounceWindow)
	if v, ok := lookup("WOOSTER_KB_WATCH_DIRS"); ok {
		cfg.KnowledgeBase.WatchDirs = splitList(v)
	}

	setString("WOOSTER_SCHEDULER_DB_PATH", &cfg.Scheduler.DBPath)

	setInt("WOOSTER_CODE_AGENT_MAX_ATTEMPTS", &cfg.CodeAgent.MaxAttempts)
	setDurationMs("WOOSTER_CODE_AGENT_STEP_TIMEOUT_MS", &cfg.CodeAgent.StepTimeout)
	setDurationMs("WOOSTER_CODE_AGENT_TOTAL_TIMEOUT_MS", &cfg.CodeAgent.TotalTimeout)
	setInt("WOOSTER_CODE_AGENT_MEMORY_LIMIT_MB", &cfg.CodeAgent.MemoryLimitMB)
	setInt("WOOSTER_CODE_AGENT_MAX_OUTPUT_LENGTH", &cfg.CodeAgent.MaxOutputLength)

	setString("WOOSTER_LOG_CONSOLE_LEVEL", &cfg.Logging.ConsoleLevel)
	setString("WOOSTER_LOG_FILE", &cfg.Logging.LogFile)
	setBool("WOOSTER_LOG_QUIET", &cfg.Logging.QuietMode)
	setBool("WOOSTER_LOG_AGENT_INTERACTIONS", &cfg.Logging.LogAgentInteractions)

	setString("WOOSTER_PROMPT_BASE_FILE", &cfg.Prompts.BaseFile)
	setString("WOOSTER_PROMPT_SUPPLEMENT_DIR", &cfg.Prompts.SupplementDir)
	setString("WOOSTER_WORKSPACE", &cfg.Workspace)

	// Per-plugin enablement: WOOSTER_PLUGIN_<NAME>=false disables a plugin.
	// Names are matched case-insensitively against canonical plugin names.
	for _, env := range os.Environ() {
		const prefix = "WOOSTER_PLUGIN_"
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if b, err := strconv.ParseBool(kv[1]); err == nil {
			if cfg.Plugins == nil {
				cfg.Plugins = map[string]bool{}
			}
			cfg.Plugins[strings.ToLower(kv[0])] = b
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
