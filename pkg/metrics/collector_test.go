package metrics

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestCollectorSamplesOnStartAndTick(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32

	c := NewCollector(mock, 15*time.Second, SamplerFunc(func() { calls.Add(1) }))
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(15 * time.Second)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCollectorStopIsIdempotent(t *testing.T) {
	c := NewCollector(clock.NewMock(), time.Second)
	c.Start()
	c.Stop()
	c.Stop()
}
