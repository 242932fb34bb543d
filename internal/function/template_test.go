package function

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

func TestRenderRoleNoTemplateRequiresString(t *testing.T) {
	text, err := RenderRole("", json.RawMessage(`"hi there"`))
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	_, err = RenderRole("", json.RawMessage(`{"not":"a string"}`))
	assert.Error(t, err)
}

func TestRenderRoleWithTemplate(t *testing.T) {
	text, err := RenderRole("Hello, {{ .name }}!", json.RawMessage(`{"name": "Megumin"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello, Megumin!", text)
}

func TestRenderRoleMalformedTemplateErrors(t *testing.T) {
	_, err := RenderRole("{{ .name ", json.RawMessage(`{"name":"x"}`))
	assert.Error(t, err)
}

func TestRenderMessagesSeparatesSystemFromTurns(t *testing.T) {
	variant := config.VariantConfig{
		SystemTemplate: "You are {{ .assistant_name }}.",
		UserTemplate:   "",
	}
	inputs := []types.InputMessage{
		{Role: types.RoleSystem, Content: json.RawMessage(`{"assistant_name":"AskJeeves"}`)},
		{Role: types.RoleUser, Content: json.RawMessage(`"Hello, world!"`)},
	}
	system, messages, err := RenderMessages(variant, inputs)
	require.NoError(t, err)
	assert.Equal(t, "You are AskJeeves.", system)
	require.Len(t, messages, 1)
	tb := messages[0].Parts[0].(types.TextBlock)
	assert.Equal(t, "Hello, world!", tb.Text)
	assert.Equal(t, types.RoleUser, messages[0].Role)
}
