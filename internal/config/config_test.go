package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
models:
  gpt-4o-mini:
    routing: [openai]
    providers:
      openai:
        kind: openai
        model_name: gpt-4o-mini
        credentials:
          kind: static
          env_var: OPENAI_API_KEY

functions:
  greet:
    kind: chat
    variants:
      v1:
        kind: chat_completion
        weight: 1.0
        model: gpt-4o-mini

metrics:
  helpfulness:
    type: float
    optimize: max
    level: inference
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load([]byte(validConfigYAML))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Contains(t, cfg.Models, "gpt-4o-mini")
	assert.Contains(t, cfg.Functions, "greet")
	assert.Equal(t, OptimizeMax, cfg.Metrics["helpfulness"].Optimize)
}

func TestLoadNeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"not: valid: yaml: [",
		"models: 5",
		"{}",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, _ = Load([]byte(in))
		})
	}
}

func TestLoadAggregatesAllErrors(t *testing.T) {
	bad := `
models:
  m1:
    routing: [a, a, b]
    providers:
      a:
        kind: openai
        model_name: x
        credentials:
          kind: static
          env_var: X

functions:
  f1:
    kind: chat
    variants:
      v1:
        kind: chat_completion
        weight: -1
        model: does-not-exist

metrics:
  comment:
    type: float
    optimize: max
    level: inference
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
	cerr, ok := err.(*ConfigError)
	require.True(t, ok)

	// Every distinct problem must appear in one pass: duplicate routing entry,
	// routing referencing a provider that doesn't exist, negative weight,
	// unknown model reference, and the reserved metric name.
	assert.GreaterOrEqual(t, len(cerr.Messages), 4)
}

func TestRoutingMustMatchProvidersExactly(t *testing.T) {
	bad := `
models:
  m1:
    routing: [a]
    providers:
      a:
        kind: openai
        model_name: x
        credentials: {kind: none}
      b:
        kind: openai
        model_name: y
        credentials: {kind: none}
functions:
  f1:
    kind: chat
    variants:
      v1: {kind: chat_completion, weight: 1, model: m1}
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `providers entry "b" is not referenced by routing`)
}

func TestSchemaIffTemplate(t *testing.T) {
	bad := `
models:
  m1:
    routing: [a]
    providers:
      a: {kind: dummy, model_name: good, credentials: {kind: none}}
functions:
  f1:
    kind: chat
    system_schema: {"type": "object"}
    variants:
      v1: {kind: chat_completion, weight: 1, model: m1}
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system_schema is set but system_template is not")
}

func TestReservedMetricNamesRejected(t *testing.T) {
	bad := `
models: {}
functions: {}
metrics:
  demonstration:
    type: boolean
    optimize: max
    level: episode
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"demonstration" is a reserved feedback kind`)
}

func TestUnknownFieldsRejected(t *testing.T) {
	bad := `
models: {}
functions: {}
totally_unknown_top_level_field: true
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
}

func TestJSONFunctionRequiresOutputSchema(t *testing.T) {
	bad := `
models:
  m1:
    routing: [a]
    providers:
      a: {kind: dummy, model_name: good, credentials: {kind: none}}
functions:
  f1:
    kind: json
    variants:
      v1: {kind: chat_completion, weight: 1, model: m1}
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json functions must declare output_schema")
}
