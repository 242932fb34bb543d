// Package tzerr defines the closed error taxonomy shared by every gateway
// component. Errors carry a Kind, a Severity, and an HTTP status so that the
// single point where an error becomes a response (LogAndRespond) never has to
// re-derive any of the three from a message string.
package tzerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a gateway failure into one of a closed set of categories.
type Kind string

const (
	KindConfig                    Kind = "config"
	KindAPIKeyMissing              Kind = "api_key_missing"
	KindInvalidRequest             Kind = "invalid_request"
	KindInvalidInput               Kind = "invalid_input"
	KindUnknownFunction             Kind = "unknown_function"
	KindUnknownVariant              Kind = "unknown_variant"
	KindUnknownMetric               Kind = "unknown_metric"
	KindUnknownModel                Kind = "unknown_model"
	KindUnknownTool                 Kind = "unknown_tool"
	KindInputValidation             Kind = "input_validation"
	KindOutputValidation            Kind = "output_validation"
	KindProviderClientError         Kind = "provider_client_error"
	KindProviderServerError         Kind = "provider_server_error"
	KindInferenceTimeout            Kind = "inference_timeout"
	KindVariantFailoverExhausted    Kind = "variant_failover_exhausted"
	KindModelProvidersExhausted     Kind = "model_providers_exhausted"
	KindChannelWrite                Kind = "channel_write"
	KindSerialization               Kind = "serialization"
	KindJSONSchemaValidation        Kind = "json_schema_validation"
	KindTemplate                    Kind = "template"
	KindObservability               Kind = "observability"
	KindBatchUnsupported            Kind = "batch_unsupported"
)

// Severity indicates whether an error is caused by the caller (WARN) or is an
// internal/operational failure (ERROR).
type Severity string

const (
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// clientCaused is the set of kinds whose severity is WARN and whose HTTP
// status is in the 4xx range (HTTPStatus maps the unknown-entity kinds among
// them to 404; the timeout kind is not in the set).
var clientCaused = map[Kind]bool{
	KindInvalidRequest:          true,
	KindInvalidInput:            true,
	KindInputValidation:         true,
	KindJSONSchemaValidation:    true,
	KindAPIKeyMissing:           true,
	KindUnknownFunction:         true,
	KindUnknownVariant:          true,
	KindUnknownMetric:           true,
	KindUnknownModel:            true,
	KindUnknownTool:             true,
	KindProviderClientError:     true,
}

// Severity returns the severity associated with k.
func (k Kind) Severity() Severity {
	if clientCaused[k] {
		return SeverityWarn
	}
	return SeverityError
}

// HTTPStatus returns the HTTP status code mapped to k. 4xx for client-caused
// kinds, 408 for timeouts, 404 for unknown-entity kinds, 500 otherwise.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindInvalidInput, KindInputValidation,
		KindJSONSchemaValidation, KindAPIKeyMissing:
		return http.StatusBadRequest
	case KindUnknownFunction, KindUnknownVariant, KindUnknownMetric,
		KindUnknownModel, KindUnknownTool:
		return http.StatusNotFound
	case KindInferenceTimeout:
		return http.StatusRequestTimeout
	case KindProviderClientError:
		return http.StatusBadRequest
	case KindOutputValidation, KindProviderServerError,
		KindVariantFailoverExhausted, KindModelProvidersExhausted,
		KindChannelWrite, KindSerialization, KindTemplate,
		KindObservability, KindConfig, KindBatchUnsupported:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a gateway error carrying a Kind and an optional wrapped cause.
// Observability-store and cache errors are always of this type so callers can
// distinguish them from provider/client errors without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// HTTPStatusOverride allows a specific instance to report a status other
	// than Kind's default (used by ProviderClientError to proxy the
	// provider's actual status code).
	HTTPStatusOverride int
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status for this error instance.
func (e *Error) HTTPStatus() int {
	if e.HTTPStatusOverride != 0 {
		return e.HTTPStatusOverride
	}
	return e.Kind.HTTPStatus()
}

// Severity returns the severity for this error instance.
func (e *Error) Severity() Severity { return e.Kind.Severity() }

// As reports whether err (or something in its chain) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ProviderClientError builds an error proxying a provider's 4xx status.
func ProviderClientError(provider string, status int, body string) *Error {
	return &Error{
		Kind:               KindProviderClientError,
		Message:            fmt.Sprintf("%s: client error (%d): %s", provider, status, body),
		HTTPStatusOverride: status,
	}
}

// ProviderServerError builds an error for a provider's 5xx/unavailable status.
func ProviderServerError(provider string, status int, body string) *Error {
	return &Error{
		Kind:    KindProviderServerError,
		Message: fmt.Sprintf("%s: server error (%d): %s", provider, status, body),
	}
}

// ProviderErrors aggregates one error per provider key within a model's
// routing list. It is the payload of KindModelProvidersExhausted.
type ProviderErrors struct {
	Errors map[string]error // provider name -> error
}

func (p *ProviderErrors) Error() string {
	parts := make([]string, 0, len(p.Errors))
	for name, err := range p.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return strings.Join(parts, "; ")
}

// ModelProvidersExhausted builds the aggregate error returned when every
// provider in a model's routing list has failed.
func ModelProvidersExhausted(modelName string, providerErrors map[string]error) *Error {
	agg := &ProviderErrors{Errors: providerErrors}
	return &Error{
		Kind:    KindModelProvidersExhausted,
		Message: fmt.Sprintf("model %q: all providers exhausted: %s", modelName, agg.Error()),
		Cause:   agg,
	}
}

// VariantErrors aggregates one error per variant tried during failover. It is
// the payload of KindVariantFailoverExhausted.
type VariantErrors struct {
	Errors map[string]error // variant name -> error
}

func (v *VariantErrors) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for name, err := range v.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return strings.Join(parts, "; ")
}

// AllVariantsFailed builds the aggregate error returned when every eligible
// variant for a function has failed.
func AllVariantsFailed(functionName string, variantErrors map[string]error) *Error {
	agg := &VariantErrors{Errors: variantErrors}
	return &Error{
		Kind:    KindVariantFailoverExhausted,
		Message: fmt.Sprintf("function %q: all variants failed: %s", functionName, agg.Error()),
		Cause:   agg,
	}
}

// JSONSchemaValidationError carries JSON-schema validation failures with
// messages, the offending data, and the schema.
type JSONSchemaValidationError struct {
	Messages []string
	Data     any
	Schema   any
}

func (e *JSONSchemaValidationError) Error() string {
	return "json schema validation failed: " + strings.Join(e.Messages, "; ")
}

// NewJSONSchemaValidationError builds the KindJSONSchemaValidation error.
func NewJSONSchemaValidationError(messages []string, data, schema any) *Error {
	return &Error{
		Kind:    KindJSONSchemaValidation,
		Message: strings.Join(messages, "; "),
		Cause:   &JSONSchemaValidationError{Messages: messages, Data: data, Schema: schema},
	}
}
