package vector

import "math"

// QuantizeConfig controls optional int8 symmetric quantization (SPEC_FULL
// §4.1a). When Enabled, the HNSW backend stores and persists each vector's
// int8 form and widens its search candidate fetch to k×RerankMultiplier
// before truncating to the k closest. Navigation and scoring always use
// full-precision vectors; the int8 form is not read during search.
type QuantizeConfig struct {
	Enabled bool

	// RerankMultiplier scales the candidate fetch (k×RerankMultiplier)
	// before truncating to k; Open Question decided at 3 (SPEC_FULL §4.1a).
	RerankMultiplier int
}

// DefaultQuantizeConfig returns quantization disabled with the decided
// re-rank multiplier pre-set so enabling it later needs no extra tuning.
func DefaultQuantizeConfig() QuantizeConfig {
	return QuantizeConfig{Enabled: false, RerankMultiplier: 3}
}

func (c QuantizeConfig) rerankMultiplier() int {
	if c.RerankMultiplier > 0 {
		return c.RerankMultiplier
	}
	return 3
}

// QuantizedVector is a per-vector symmetric int8 quantization: q = round(v/s)
// with scale s = max(|v|)/127.
type QuantizedVector struct {
	Scale float32
	Q     []int8
}

// Quantize produces a symmetric int8 quantization of v.
func Quantize(v []float32) QuantizedVector {
	var maxAbs float32
	for _, x := range v {
		a := x
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return QuantizedVector{Scale: 0, Q: make([]int8, len(v))}
	}
	scale := maxAbs / 127
	q := make([]int8, len(v))
	for i, x := range v {
		r := math.Round(float64(x / scale))
		if r > 127 {
			r = 127
		} else if r < -127 {
			r = -127
		}
		q[i] = int8(r)
	}
	return QuantizedVector{Scale: scale, Q: q}
}

// Dequantize reconstructs an approximate float32 vector from qv.
func Dequantize(qv QuantizedVector) []float32 {
	out := make([]float32, len(qv.Q))
	for i, q := range qv.Q {
		out[i] = float32(q) * qv.Scale
	}
	return out
}

// QuantizationQuality reports reconstruction error between the original and
// its dequantized round-trip: mean squared error, mean absolute error,
// maximum absolute error, and signal-to-quantization-noise ratio in dB.
type QuantizationQuality struct {
	MSE     float64
	MAE     float64
	MaxAbs  float64
	SQNRdB  float64
}

// MeasureQuantizationQuality compares original against its quantized round
// trip.
func MeasureQuantizationQuality(original []float32) QuantizationQuality {
	qv := Quantize(original)
	recon := Dequantize(qv)

	var sumSq, sumAbs, maxAbs, signal float64
	n := len(original)
	for i := 0; i < n; i++ {
		d := float64(original[i]) - float64(recon[i])
		sumSq += d * d
		ad := math.Abs(d)
		sumAbs += ad
		if ad > maxAbs {
			maxAbs = ad
		}
		signal += float64(original[i]) * float64(original[i])
	}
	q := QuantizationQuality{}
	if n > 0 {
		q.MSE = sumSq / float64(n)
		q.MAE = sumAbs / float64(n)
	}
	q.MaxAbs = maxAbs
	if sumSq > 0 && signal > 0 {
		q.SQNRdB = 10 * math.Log10(signal/sumSq)
	}
	return q
}
