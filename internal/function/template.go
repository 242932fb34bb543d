package function

import (
	"bytes"
	"encoding/json"
	"text/template"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// RenderRole renders one role's content into plain text for a variant: if
// the variant declares a template for role, content (already validated
// against the function's schema for role) is executed as the template's
// dot value; otherwise content must already be a JSON string and is used
// verbatim. Template text is plain Go text/template, per SPEC_FULL.md's
// explicit choice to keep template rendering on the standard library.
func RenderRole(variantTemplate string, content json.RawMessage) (string, error) {
	if variantTemplate == "" {
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return "", tzerr.Wrap(tzerr.KindTemplate, err, "content must be a string when no template is configured")
		}
		return s, nil
	}

	tmpl, err := template.New("role").Parse(variantTemplate)
	if err != nil {
		return "", tzerr.Wrap(tzerr.KindTemplate, err, "parse template")
	}
	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return "", tzerr.Wrap(tzerr.KindTemplate, err, "template input is not valid JSON")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", tzerr.Wrap(tzerr.KindTemplate, err, "execute template")
	}
	return buf.String(), nil
}

// RenderMessages renders inputs (an InputMessage list that may include at
// most one role=System entry) into dispatch's internal
// representation: a system string and a slice of fully-typed
// types.Message for the remaining user/assistant turns, ready to hand to
// internal/provider.InferenceProvider.
func RenderMessages(variant config.VariantConfig, inputs []types.InputMessage) (system string, messages []types.Message, err error) {
	messages = make([]types.Message, 0, len(inputs))
	for _, in := range inputs {
		switch in.Role {
		case types.RoleSystem:
			system, err = RenderRole(variant.SystemTemplate, in.Content)
			if err != nil {
				return "", nil, err
			}
		case types.RoleUser:
			text, rerr := RenderRole(variant.UserTemplate, in.Content)
			if rerr != nil {
				return "", nil, rerr
			}
			messages = append(messages, types.Message{Role: in.Role, Parts: []types.ContentBlock{types.TextBlock{Text: text}}})
		case types.RoleAssistant:
			text, rerr := RenderRole(variant.AssistantTemplate, in.Content)
			if rerr != nil {
				return "", nil, rerr
			}
			messages = append(messages, types.Message{Role: in.Role, Parts: []types.ContentBlock{types.TextBlock{Text: text}}})
		}
	}
	return system, messages, nil
}
