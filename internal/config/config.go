// Package config defines the process-wide, immutable configuration shape:
// models, functions, and metrics. Load is total — it never panics — and
// returns one aggregated *ConfigError enumerating every validation failure
// instead of aborting on the first one.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// ProviderKind is a closed enum of supported model provider backends.
type ProviderKind string

const (
	ProviderOpenAI         ProviderKind = "openai"
	ProviderAnthropic      ProviderKind = "anthropic"
	ProviderAzureOpenAI    ProviderKind = "azure_openai"
	ProviderAWSBedrock     ProviderKind = "aws_bedrock"
	ProviderGCPVertex      ProviderKind = "gcp_vertex"
	ProviderGoogleAIStudio ProviderKind = "google_ai_studio"
	ProviderFireworks      ProviderKind = "fireworks"
	ProviderTogether       ProviderKind = "together"
	ProviderMistral        ProviderKind = "mistral"
	ProviderVLLM           ProviderKind = "vllm"
	ProviderOllama         ProviderKind = "ollama"
	ProviderSGLang         ProviderKind = "sglang"
	ProviderXAI            ProviderKind = "xai"
	ProviderHyperbolic     ProviderKind = "hyperbolic"
	ProviderDummy          ProviderKind = "dummy"
	ProviderRelay          ProviderKind = "tensorzero_relay"
)

// CredentialKind is a closed enum for how a provider resolves its API key.
type CredentialKind string

const (
	CredentialStatic       CredentialKind = "static"
	CredentialDynamic      CredentialKind = "dynamic"
	CredentialFileContents CredentialKind = "file_contents"
	CredentialNone         CredentialKind = "none"
	CredentialWithFallback CredentialKind = "with_fallback"
)

// Credential describes how a provider resolves its API key at call time:
// a closed sum of static/dynamic/file_contents/none/with_fallback.
type Credential struct {
	Kind CredentialKind `yaml:"kind" json:"kind"`

	// Static holds the literal secret value when Kind is CredentialStatic.
	Static string `yaml:"static,omitempty" json:"static,omitempty"`
	// DynamicName is the key looked up in the per-request dynamic credential
	// map when Kind is CredentialDynamic.
	DynamicName string `yaml:"dynamic_name,omitempty" json:"dynamic_name,omitempty"`
	// EnvVar is the environment variable read when Kind is CredentialStatic
	// or as the default/fallback leaf of CredentialWithFallback.
	EnvVar string `yaml:"env_var,omitempty" json:"env_var,omitempty"`
	// FilePath is read for CredentialFileContents.
	FilePath string `yaml:"file_path,omitempty" json:"file_path,omitempty"`

	// Default and Fallback are only set when Kind is CredentialWithFallback.
	Default  *Credential `yaml:"default,omitempty" json:"default,omitempty"`
	Fallback *Credential `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// ModelProvider is one entry in a ModelConfig's provider map.
type ModelProvider struct {
	Kind ProviderKind `yaml:"kind" json:"kind"`

	// ModelName is the provider-specific model identifier/handle.
	ModelName string `yaml:"model_name" json:"model_name"`

	// BaseURL overrides the provider's default endpoint (used by vLLM,
	// Ollama, SGLang, and any OpenAI-compatible self-hosted deployment).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Region is used by AWS Bedrock and GCP Vertex.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// DeploymentID and APIBase are accepted for Azure OpenAI entries but are
	// not read by any provider factory; the Azure factory builds its client
	// from BaseURL and ModelName only.
	DeploymentID string `yaml:"deployment_id,omitempty" json:"deployment_id,omitempty"`
	APIBase      string `yaml:"api_base,omitempty" json:"api_base,omitempty"`

	// RelayGatewayURL is used by the TensorZero relay provider.
	RelayGatewayURL string `yaml:"relay_gateway_url,omitempty" json:"relay_gateway_url,omitempty"`

	Credentials Credential `yaml:"credentials" json:"credentials"`

	// TimeoutMs bounds a single call to this provider; exceeding it yields
	// InferenceTimeout and counts as a provider failure for failover.
	TimeoutMs int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// ModelConfig is a named routing unit: an ordered list of provider keys plus
// the provider configs they reference.
type ModelConfig struct {
	Routing   []string                 `yaml:"routing" json:"routing"`
	Providers map[string]ModelProvider `yaml:"providers" json:"providers"`
}

// VariantKind is a closed enum of variant implementation strategies.
type VariantKind string

const (
	VariantChatCompletion VariantKind = "chat_completion"
)

// VariantConfig is one weighted implementation strategy for a function.
type VariantConfig struct {
	Kind   VariantKind `yaml:"kind" json:"kind"`
	Weight float64     `yaml:"weight" json:"weight"`
	Model  string      `yaml:"model" json:"model"`

	SystemTemplate    string `yaml:"system_template,omitempty" json:"system_template,omitempty"`
	UserTemplate      string `yaml:"user_template,omitempty" json:"user_template,omitempty"`
	AssistantTemplate string `yaml:"assistant_template,omitempty" json:"assistant_template,omitempty"`
}

// FunctionKind is a closed enum of function types.
type FunctionKind string

const (
	FunctionChat FunctionKind = "chat"
	FunctionJSON FunctionKind = "json"
	FunctionTool FunctionKind = "tool"
)

// ToolDef is a tool definition available to every variant of a Tool function.
type ToolDef struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Parameters  json.RawMessage `yaml:"parameters" json:"parameters"`
	Strict      bool            `yaml:"strict,omitempty" json:"strict,omitempty"`
}

// FunctionConfig declares a function's I/O contract and variants.
type FunctionConfig struct {
	Kind FunctionKind `yaml:"kind" json:"kind"`

	SystemSchema    json.RawMessage `yaml:"system_schema,omitempty" json:"system_schema,omitempty"`
	UserSchema      json.RawMessage `yaml:"user_schema,omitempty" json:"user_schema,omitempty"`
	AssistantSchema json.RawMessage `yaml:"assistant_schema,omitempty" json:"assistant_schema,omitempty"`
	OutputSchema    json.RawMessage `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	Variants map[string]VariantConfig `yaml:"variants" json:"variants"`
	Tools    []ToolDef                `yaml:"tools,omitempty" json:"tools,omitempty"`

	// ParallelToolCalls is the function-level default for Tool functions.
	ParallelToolCalls bool `yaml:"parallel_tool_calls,omitempty" json:"parallel_tool_calls,omitempty"`
}

// MetricOptimize is a closed enum of optimization directions.
type MetricOptimize string

const (
	OptimizeMin MetricOptimize = "min"
	OptimizeMax MetricOptimize = "max"
)

// MetricType is a closed enum of metric value types.
type MetricType string

const (
	MetricBoolean MetricType = "boolean"
	MetricFloat   MetricType = "float"
)

// MetricLevel is a closed enum of metric attribution levels.
type MetricLevel string

const (
	LevelInference MetricLevel = "inference"
	LevelEpisode   MetricLevel = "episode"
)

// MetricConfig declares a named feedback metric's type, optimization
// direction, and attribution level.
type MetricConfig struct {
	Type     MetricType     `yaml:"type" json:"type"`
	Optimize MetricOptimize `yaml:"optimize" json:"optimize"`
	Level    MetricLevel    `yaml:"level" json:"level"`
}

// reservedMetricNames may never be used as metric config keys: they are the
// built-in feedback kinds handled outside the MetricConfig table.
var reservedMetricNames = map[string]bool{
	"comment":       true,
	"demonstration": true,
}

// Config is the process-wide, immutable configuration. It is constructed
// once by Load and never mutated afterward; concurrent reads from request
// handlers are always safe.
type Config struct {
	Models    map[string]ModelConfig    `yaml:"models" json:"models"`
	Functions map[string]FunctionConfig `yaml:"functions" json:"functions"`
	Metrics   map[string]MetricConfig   `yaml:"metrics,omitempty" json:"metrics,omitempty"`

	// compiled holds the Validator instances compiled from each schema,
	// keyed by "function_name/role". Populated by Load; never mutated after.
	compiled map[string]types.Validator
}

// Validator returns the compiled schema validator for function/role, or nil
// if that role has no schema (plain-string content is required instead).
func (c *Config) Validator(functionName, role string) types.Validator {
	return c.compiled[functionName+"/"+role]
}

// Load parses raw YAML bytes into a Config and runs validateAndCompile. It
// never panics; every failure, parse or validation, is folded into the
// returned *ConfigError. Unknown fields are rejected at parse time.
func Load(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Messages: []string{fmt.Sprintf("parse config: %v", err)}}
	}
	if err := cfg.validateAndCompile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
