package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fixedSizer int

func (s fixedSizer) Len() int { return int(s) }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCollectorSamplesAndProbes(t *testing.T) {
	resetHealth(t)

	c := NewCollector(fixedSizer(7), time.Hour)
	c.AddProbe("bus", pingFunc(func(context.Context) error { return nil }))
	c.AddProbe("store", pingFunc(func(context.Context) error { return errors.New("refused") }))

	c.collect()

	assert.Equal(t, 7.0, testutil.ToFloat64(ConnectionsActive))

	health := GetHealth()
	assert.Equal(t, StatusHealthy, health.Components["bus"])
	assert.Equal(t, "unhealthy: refused", health.Components["store"])
	assert.Equal(t, StatusNotReady, GetReadiness().Status)
}

func TestCollectorStartStop(t *testing.T) {
	resetHealth(t)

	c := NewCollector(fixedSizer(3), 10*time.Millisecond)
	c.AddProbe("bus", pingFunc(func(context.Context) error { return nil }))
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return GetHealth().Components["bus"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}
