package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantizeRoundTripCloseToOriginal(t *testing.T) {
	v := []float32{0.5, -0.25, 1.0, -1.0, 0.0}
	qv := Quantize(v)
	recon := Dequantize(qv)
	require := assert.New(t)
	for i := range v {
		require.InDelta(float64(v[i]), float64(recon[i]), 0.02)
	}
}

func TestQuantizeZeroVector(t *testing.T) {
	qv := Quantize([]float32{0, 0, 0})
	assert.Equal(t, float32(0), qv.Scale)
	recon := Dequantize(qv)
	assert.Equal(t, []float32{0, 0, 0}, recon)
}

func TestMeasureQuantizationQualityReportsLowError(t *testing.T) {
	v := Normalize([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	q := MeasureQuantizationQuality(v)
	assert.Less(t, q.MAE, 0.01)
	assert.Greater(t, q.SQNRdB, 0.0)
}

func TestDefaultQuantizeConfigRerankMultiplier(t *testing.T) {
	c := DefaultQuantizeConfig()
	assert.False(t, c.Enabled)
	assert.Equal(t, 3, c.rerankMultiplier())
}
