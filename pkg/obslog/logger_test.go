package obslog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicmem/pkg/config"
)

func TestNewAppliesLevel(t *testing.T) {
	logger := New(config.LoggingConfig{Level: "debug", Output: "stdout"})
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := Component(base, "vector_index")
	logger.Info().Msg("ready")
	assert.Contains(t, buf.String(), `"component":"vector_index"`)
}

func TestWithCorrelationIDAddsField(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := WithCorrelationID(base, "abc-123")
	logger.Info().Msg("handled")
	assert.Contains(t, buf.String(), `"correlation_id":"abc-123"`)
}

func TestWithCorrelationIDNoopOnEmpty(t *testing.T) {
	base := zerolog.New(&bytes.Buffer{})
	logger := WithCorrelationID(base, "")
	assert.Equal(t, base, logger)
}

func TestBadgerLoggerWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	bl := NewBadgerLogger(base)
	bl.Infof("compaction done in %dms", 12)
	assert.Contains(t, buf.String(), "compaction done in 12ms")
	assert.Contains(t, buf.String(), `"component":"badger"`)
}

func TestLogrSinkInfoAndError(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	log := NewLogr(base)

	log.Info("starting", "port", 7687)
	require.Contains(t, buf.String(), "starting")
	assert.Contains(t, buf.String(), `"port":7687`)

	buf.Reset()
	log.Error(errors.New("boom"), "failed", "attempt", 1)
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), `"attempt":1`)
}

func TestLogrSinkWithNameNests(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	sink := &logrSink{log: base}
	named := sink.WithName("outer").WithName("inner")
	named.Info(0, "hello")
	assert.Contains(t, buf.String(), `"logger":"outer.inner"`)
}

func TestLogrSinkWithValuesCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	sink := &logrSink{log: base}
	withVals := sink.WithValues("request_id", "r-1")
	withVals.Info(0, "done")
	assert.Contains(t, buf.String(), `"request_id":"r-1"`)
}
