package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// ConfigError aggregates every validation failure found while loading a
// config. Load never returns a bare error for a validation problem — always
// a *ConfigError listing everything wrong in one pass, so a user fixing their
// config file does not have to re-run Load once per mistake.
type ConfigError struct {
	Messages []string
}

func (e *ConfigError) Error() string {
	if len(e.Messages) == 1 {
		return "config: " + e.Messages[0]
	}
	return fmt.Sprintf("config: %d problems found:\n  - %s", len(e.Messages), strings.Join(e.Messages, "\n  - "))
}

// validateAndCompile checks every config-shape invariant and compiles every
// declared JSON schema. It collects every problem it finds rather than
// returning on the first one.
func (c *Config) validateAndCompile() error {
	var errs []string

	for name, m := range c.Models {
		errs = append(errs, validateModel(name, m)...)
	}

	c.compiled = make(map[string]types.Validator)
	for name, fn := range c.Functions {
		fnErrs, compiled := c.validateFunction(name, fn)
		errs = append(errs, fnErrs...)
		for role, v := range compiled {
			c.compiled[name+"/"+role] = v
		}
	}

	for name := range c.Metrics {
		if reservedMetricNames[name] {
			errs = append(errs, fmt.Sprintf("metrics[%s]: %q is a reserved feedback kind and cannot be used as a metric name", name, name))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return &ConfigError{Messages: errs}
	}
	return nil
}

func validateModel(name string, m ModelConfig) []string {
	var errs []string
	if len(m.Routing) == 0 {
		errs = append(errs, fmt.Sprintf("models[%s]: routing must not be empty", name))
	}

	seen := make(map[string]bool, len(m.Routing))
	for _, r := range m.Routing {
		if seen[r] {
			errs = append(errs, fmt.Sprintf("models[%s]: routing contains duplicate entry %q", name, r))
		}
		seen[r] = true
	}

	routingSet := make(map[string]bool, len(m.Routing))
	for _, r := range m.Routing {
		routingSet[r] = true
	}
	providerSet := make(map[string]bool, len(m.Providers))
	for p := range m.Providers {
		providerSet[p] = true
	}
	for r := range routingSet {
		if !providerSet[r] {
			errs = append(errs, fmt.Sprintf("models[%s]: routing entry %q has no corresponding entry in providers", name, r))
		}
	}
	for p := range providerSet {
		if !routingSet[p] {
			errs = append(errs, fmt.Sprintf("models[%s]: providers entry %q is not referenced by routing", name, p))
		}
	}

	for pname, p := range m.Providers {
		errs = append(errs, validateCredential(fmt.Sprintf("models[%s].providers[%s]", name, pname), p.Credentials)...)
	}

	return errs
}

func validateCredential(path string, cr Credential) []string {
	var errs []string
	switch cr.Kind {
	case CredentialStatic:
		if cr.Static == "" && cr.EnvVar == "" {
			errs = append(errs, fmt.Sprintf("%s.credentials: static credential requires one of static or env_var", path))
		}
	case CredentialDynamic:
		if cr.DynamicName == "" {
			errs = append(errs, fmt.Sprintf("%s.credentials: dynamic credential requires dynamic_name", path))
		}
	case CredentialFileContents:
		if cr.FilePath == "" {
			errs = append(errs, fmt.Sprintf("%s.credentials: file_contents credential requires file_path", path))
		}
	case CredentialNone:
		// nothing required
	case CredentialWithFallback:
		if cr.Default == nil || cr.Fallback == nil {
			errs = append(errs, fmt.Sprintf("%s.credentials: with_fallback credential requires both default and fallback", path))
			break
		}
		errs = append(errs, validateCredential(path+".default", *cr.Default)...)
		errs = append(errs, validateCredential(path+".fallback", *cr.Fallback)...)
	default:
		errs = append(errs, fmt.Sprintf("%s.credentials: unknown credential kind %q", path, cr.Kind))
	}
	return errs
}

// validateFunction validates one function and compiles its declared schemas.
// It returns the problems found and a role->Validator map for every role the
// function declares a schema for ("system", "user", "assistant", "output").
func (c *Config) validateFunction(name string, fn FunctionConfig) ([]string, map[string]types.Validator) {
	var errs []string
	compiled := make(map[string]types.Validator)

	schemas := map[string]json.RawMessage{
		"system":    fn.SystemSchema,
		"user":      fn.UserSchema,
		"assistant": fn.AssistantSchema,
		"output":    fn.OutputSchema,
	}
	for role, raw := range schemas {
		if len(raw) == 0 {
			continue
		}
		v, err := types.CompileSchema(fmt.Sprintf("functions/%s/%s", name, role), raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("functions[%s].%s_schema: %v", name, role, err))
			continue
		}
		compiled[role] = v
	}

	if len(fn.Variants) == 0 {
		errs = append(errs, fmt.Sprintf("functions[%s]: variants must not be empty", name))
	}

	for vname, v := range fn.Variants {
		path := fmt.Sprintf("functions[%s].variants[%s]", name, vname)
		if v.Weight < 0 {
			errs = append(errs, fmt.Sprintf("%s: weight must be >= 0, got %v", path, v.Weight))
		}
		if v.Model == "" {
			errs = append(errs, fmt.Sprintf("%s: model must be set", path))
		} else if _, ok := c.Models[v.Model]; !ok {
			errs = append(errs, fmt.Sprintf("%s: model %q is not declared in models", path, v.Model))
		}

		// schema-iff-template: a role has a template exactly when the
		// function declares a schema for that role.
		errs = append(errs, checkSchemaIffTemplate(path, "system", len(fn.SystemSchema) > 0, v.SystemTemplate != "")...)
		errs = append(errs, checkSchemaIffTemplate(path, "user", len(fn.UserSchema) > 0, v.UserTemplate != "")...)
		errs = append(errs, checkSchemaIffTemplate(path, "assistant", len(fn.AssistantSchema) > 0, v.AssistantTemplate != "")...)
	}

	if fn.Kind == FunctionTool && len(fn.Tools) == 0 {
		errs = append(errs, fmt.Sprintf("functions[%s]: tool functions must declare at least one tool", name))
	}
	if fn.Kind == FunctionJSON && len(fn.OutputSchema) == 0 {
		errs = append(errs, fmt.Sprintf("functions[%s]: json functions must declare output_schema", name))
	}

	return errs, compiled
}

func checkSchemaIffTemplate(path, role string, hasSchema, hasTemplate bool) []string {
	if hasSchema && !hasTemplate {
		return []string{fmt.Sprintf("%s: %s_schema is set but %s_template is not", path, role, role)}
	}
	if hasTemplate && !hasSchema {
		return []string{fmt.Sprintf("%s: %s_template is set but %s_schema is not", path, role, role)}
	}
	return nil
}
