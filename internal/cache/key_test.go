package cache

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

func sampleRequest(inferenceID string, stream bool) *types.ModelInferenceRequest {
	return &types.ModelInferenceRequest{
		InferenceID: inferenceID,
		Messages: []types.Message{
			{Role: types.RoleUser, Parts: []types.ContentBlock{types.TextBlock{Text: "hi"}}},
		},
		Stream:       stream,
		FunctionType: types.FunctionTypeChat,
	}
}

func TestKeyStableAcrossInferenceID(t *testing.T) {
	k1, err := Key("gpt-4o-mini", "openai", sampleRequest("11111111-1111-1111-1111-111111111111", false))
	require.NoError(t, err)
	k2, err := Key("gpt-4o-mini", "openai", sampleRequest("22222222-2222-2222-2222-222222222222", false))
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "inference_id must not affect the fingerprint")
}

func TestKeyChangesWithStream(t *testing.T) {
	k1, err := Key("gpt-4o-mini", "openai", sampleRequest("same-id", false))
	require.NoError(t, err)
	k2, err := Key("gpt-4o-mini", "openai", sampleRequest("same-id", true))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2, "changing stream must change the fingerprint")
}

// TestKeyFingerprintProperty verifies the fingerprint-stability property
// across randomly generated inference_id pairs and message texts.
func TestKeyFingerprintProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same message, different inference_id -> same key", prop.ForAll(
		func(text, idA, idB string) bool {
			reqA := sampleRequest(idA, false)
			reqA.Messages[0].Parts[0] = types.TextBlock{Text: text}
			reqB := sampleRequest(idB, false)
			reqB.Messages[0].Parts[0] = types.TextBlock{Text: text}
			kA, errA := Key("m", "p", reqA)
			kB, errB := Key("m", "p", reqB)
			return errA == nil && errB == nil && kA == kB
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("different message text -> different key", prop.ForAll(
		func(textA, textB string) bool {
			if textA == textB {
				return true
			}
			reqA := sampleRequest("same-id", false)
			reqA.Messages[0].Parts[0] = types.TextBlock{Text: textA}
			reqB := sampleRequest("same-id", false)
			reqB.Messages[0].Parts[0] = types.TextBlock{Text: textB}
			kA, errA := Key("m", "p", reqA)
			kB, errB := Key("m", "p", reqB)
			return errA == nil && errB == nil && kA != kB
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
