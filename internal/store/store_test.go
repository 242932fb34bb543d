package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
)

func metrics() map[string]config.MetricConfig {
	return map[string]config.MetricConfig{
		"helpfulness": {Type: config.MetricBoolean, Optimize: config.OptimizeMax, Level: config.LevelInference},
		"score":       {Type: config.MetricFloat, Optimize: config.OptimizeMax, Level: config.LevelEpisode},
	}
}

func TestValidateFeedbackAcceptsMatchingLevelAndType(t *testing.T) {
	assert.NoError(t, ValidateFeedback(metrics(), "helpfulness", TargetInference, json.RawMessage(`true`)))
	assert.NoError(t, ValidateFeedback(metrics(), "score", TargetEpisode, json.RawMessage(`0.8`)))
}

func TestValidateFeedbackRejectsLevelMismatch(t *testing.T) {
	err := ValidateFeedback(metrics(), "helpfulness", TargetEpisode, json.RawMessage(`true`))
	require := assert.New(t)
	require.Error(err)
	tzErr, ok := tzerr.As(err)
	require.True(ok)
	require.Equal(tzerr.KindInvalidInput, tzErr.Kind)
}

func TestValidateFeedbackRejectsTypeMismatch(t *testing.T) {
	err := ValidateFeedback(metrics(), "helpfulness", TargetInference, json.RawMessage(`"not a bool"`))
	assert.Error(t, err)
}

func TestValidateFeedbackRejectsUnknownMetric(t *testing.T) {
	err := ValidateFeedback(metrics(), "does-not-exist", TargetInference, json.RawMessage(`true`))
	tzErr, ok := tzerr.As(err)
	assert := assert.New(t)
	assert.True(ok)
	assert.Equal(tzerr.KindUnknownMetric, tzErr.Kind)
}

func TestValidateFeedbackRejectsDemonstrationAtEpisodeLevel(t *testing.T) {
	err := ValidateFeedback(metrics(), "demonstration", TargetEpisode, json.RawMessage(`"some text"`))
	assert.Error(t, err)
}

func TestValidateFeedbackAllowsDemonstrationAtInferenceLevel(t *testing.T) {
	err := ValidateFeedback(metrics(), "demonstration", TargetInference, json.RawMessage(`"some text"`))
	assert.NoError(t, err)
}

func TestValidateFeedbackCommentRequiresString(t *testing.T) {
	assert.NoError(t, ValidateFeedback(metrics(), "comment", TargetInference, json.RawMessage(`"looks good"`)))
	assert.Error(t, ValidateFeedback(metrics(), "comment", TargetInference, json.RawMessage(`42`)))
}
