package analysis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/duckguard/internal/model"
)

type fakePredictor struct {
	class      model.Classification
	confidence float64
	calls      int
}

func (p *fakePredictor) Predict(x []float64) (model.Classification, float64) {
	p.calls++
	return p.class, p.confidence
}

// 600 次按键在 1 秒内均匀输入，没有退格和回车
func TestScenarioExtremeSpeed(t *testing.T) {
	const n = 600
	keys := make([]string, n)
	for i := range keys {
		keys[i] = "a"
	}
	w := typed(0.999/float64(n-1), keys...)

	f, err := Extract(w)
	require.NoError(t, err)
	assert.InDelta(t, 600, f.AvgKeysPerSecond, 1e-6)
	assert.Zero(t, f.ErrorRate)
	assert.Zero(t, f.CommandRate)

	p := &fakePredictor{class: model.ClassHuman, confidence: 99}
	v, err := NewClassifier(DefaultThresholds(), p).Classify(f)
	require.NoError(t, err)
	assert.Equal(t, model.ClassDucky, v.Classification)
	assert.Equal(t, 100.0, v.ConfidencePercent)
	assert.Equal(t, []string{"extreme typing speed (600.00 keys/sec)"}, v.Reasons)
	assert.Zero(t, p.calls, "model must not be consulted")
}

func TestSpeedOverridesEverything(t *testing.T) {
	for _, speed := range []float64{100, 150, 1e6} {
		f := &FeatureVector{
			TotalKeys:        3,
			AvgKeysPerSecond: speed,
			ErrorRate:        0.9,
			CommandRate:      0,
			InterKeyVariance: 10,
		}
		p := &fakePredictor{class: model.ClassHuman, confidence: 100}
		v, err := Classify(f, p, DefaultThresholds())
		require.NoError(t, err)
		assert.Equal(t, model.ClassDucky, v.Classification)
		assert.Equal(t, 100.0, v.ConfidencePercent)
		assert.Equal(t, []string{fmt.Sprintf("extreme typing speed (%.2f keys/sec)", speed)}, v.Reasons)
		assert.Zero(t, p.calls)
	}
}

func TestClassifyWithoutModel(t *testing.T) {
	f := &FeatureVector{TotalKeys: 20, AvgKeysPerSecond: 4}
	v, err := NewClassifier(DefaultThresholds(), nil).Classify(f)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
	assert.Equal(t, model.ClassNone, v.Classification)
	assert.Empty(t, v.Reasons)
}

func TestClassifyModelReasons(t *testing.T) {
	f := &FeatureVector{
		TotalKeys:        600,
		AvgKeysPerSecond: 90,
		ErrorRate:        0.01,
		CommandRate:      0.25,
		KeywordRate:      0.15,
	}
	p := &fakePredictor{class: model.ClassDucky, confidence: 87.5}
	v, err := Classify(f, p, DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, model.ClassDucky, v.Classification)
	assert.Equal(t, 87.5, v.ConfidencePercent)
	assert.Equal(t, []string{
		"high number of keys (600)",
		"very low error rate (1.00%)",
		"high command rate (25.00%)",
		"high keyword rate (15.00%)",
	}, v.Reasons)
}

func TestClassifyModelOnlyReason(t *testing.T) {
	f := &FeatureVector{TotalKeys: 40, AvgKeysPerSecond: 30, ErrorRate: 0.05, CommandRate: 0.1, KeywordRate: 0.01}
	v, err := Classify(f, &fakePredictor{class: model.ClassDucky, confidence: 60}, DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, []string{"statistical-model classification"}, v.Reasons)
}

func TestClassifyHumanHasNoReasons(t *testing.T) {
	f := &FeatureVector{TotalKeys: 40, AvgKeysPerSecond: 3, ErrorRate: 0.01}
	v, err := Classify(f, &fakePredictor{class: model.ClassHuman, confidence: 95}, DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, model.ClassHuman, v.Classification)
	assert.Equal(t, 95.0, v.ConfidencePercent)
	assert.Empty(t, v.Reasons)
}
