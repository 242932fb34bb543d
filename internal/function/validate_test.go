package function

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

const schemaConfigYAML = `
models:
  gpt-4o-mini:
    routing: [openai]
    providers:
      openai:
        kind: openai
        model_name: gpt-4o-mini
        credentials:
          kind: none

functions:
  greet:
    kind: chat
    user_schema:
      type: object
      properties:
        name: {type: string}
      required: [name]
      additionalProperties: false
    variants:
      v1:
        kind: chat_completion
        weight: 1.0
        model: gpt-4o-mini
        user_template: "hello {{ name }}"

  classify:
    kind: json
    output_schema:
      type: object
      properties:
        label: {type: string}
      required: [label]
      additionalProperties: false
    variants:
      v1:
        kind: chat_completion
        weight: 1.0
        model: gpt-4o-mini
`

func loadSchemaConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load([]byte(schemaConfigYAML))
	require.NoError(t, err)
	return cfg
}

func TestValidateRoleNoSchemaRequiresStringContent(t *testing.T) {
	cfg := loadSchemaConfig(t)

	err := ValidateRole(cfg, "greet", types.RoleSystem, json.RawMessage(`"just a string"`))
	assert.NoError(t, err)

	err = ValidateRole(cfg, "greet", types.RoleSystem, json.RawMessage(`{"not": "a string"}`))
	assert.Error(t, err)
}

func TestValidateRoleWithSchemaAccepts(t *testing.T) {
	cfg := loadSchemaConfig(t)
	err := ValidateRole(cfg, "greet", types.RoleUser, json.RawMessage(`{"name": "Megumin"}`))
	assert.NoError(t, err)
}

func TestValidateRoleWithSchemaRejectsExtraProperty(t *testing.T) {
	cfg := loadSchemaConfig(t)
	err := ValidateRole(cfg, "greet", types.RoleUser, json.RawMessage(`{"name": "Megumin", "extra": 1}`))
	assert.Error(t, err)
}

func TestValidateRoleWithSchemaRejectsMalformedJSON(t *testing.T) {
	cfg := loadSchemaConfig(t)
	err := ValidateRole(cfg, "greet", types.RoleUser, json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestValidateOutputNoSchemaConfiguredPasses(t *testing.T) {
	cfg := loadSchemaConfig(t)
	err := ValidateOutput(cfg, "greet", map[string]any{"anything": "goes"})
	assert.NoError(t, err)
}

func TestValidateOutputWithSchemaAccepts(t *testing.T) {
	cfg := loadSchemaConfig(t)
	err := ValidateOutput(cfg, "classify", map[string]any{"label": "spell"})
	assert.NoError(t, err)
}

func TestValidateOutputWithSchemaRejects(t *testing.T) {
	cfg := loadSchemaConfig(t)
	err := ValidateOutput(cfg, "classify", map[string]any{"wrong": "shape"})
	assert.Error(t, err)
}
