package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := newProduceBreaker()

	for i := 0; i < 3; i++ {
		done, err := b.Allow()
		require.NoError(t, err, "attempt %d", i)
		done(false)
	}

	_, err := b.Allow()
	assert.Error(t, err, "breaker should be open after three consecutive failures")
}

func TestProduceBreakerStaysClosedOnSuccess(t *testing.T) {
	b := newProduceBreaker()

	for i := 0; i < 50; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(true)
	}

	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
}

func TestNewProducerRejectsEmptyBrokers(t *testing.T) {
	_, err := NewProducer(ProducerConfig{}, nil)
	assert.Error(t, err)
}

func TestDefaultProducerConfig(t *testing.T) {
	cfg := DefaultProducerConfig()
	assert.NotEmpty(t, cfg.Brokers)
	assert.Equal(t, "lz4", cfg.Compression)
	assert.Equal(t, 200_000, cfg.MaxBuffered)
}
