package function

import (
	"encoding/json"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// ValidateRole validates one InputMessage's content against cfg's compiled
// schema for (functionName, role), falling back to types.NoSchema when the
// function declares no schema for that role, where content must be a plain
// string.
func ValidateRole(cfg *config.Config, functionName string, role types.Role, content json.RawMessage) error {
	v := cfg.Validator(functionName, string(role))
	noSchema := v == nil
	var validator types.Validator = types.NoSchema{}
	if !noSchema {
		validator = v
	}

	var decoded any
	if noSchema {
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return tzerr.Wrap(tzerr.KindInputValidation, err, "role %q content must be a JSON string when no schema is configured", role)
		}
		decoded = s
	} else if err := json.Unmarshal(content, &decoded); err != nil {
		return tzerr.Wrap(tzerr.KindInputValidation, err, "role %q content is not valid JSON", role)
	}

	if messages := validator.Validate(decoded); len(messages) > 0 {
		return tzerr.New(tzerr.KindInputValidation, "role %q failed schema validation: %v", role, messages)
	}
	return nil
}

// ValidateOutput validates a Json function's parsed output against cfg's
// compiled output_schema as a post-hoc check (see DESIGN.md's function
// selector Open Question decisions).
func ValidateOutput(cfg *config.Config, functionName string, parsed any) error {
	v := cfg.Validator(functionName, "output")
	if v == nil {
		return nil
	}
	if messages := v.Validate(parsed); len(messages) > 0 {
		return tzerr.New(tzerr.KindOutputValidation, "output failed schema validation: %v", messages)
	}
	return nil
}
