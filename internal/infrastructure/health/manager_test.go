package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"position_ledger/internal/store"

	"github.com/stretchr/testify/assert"
)

func TestHealthManager_Aggregation(t *testing.T) {
	ctx := context.Background()
	hm := NewHealthManager(nil, time.Second)
	assert.True(t, hm.IsHealthy(ctx))

	hm.Register("comp1", func(context.Context) error { return nil })
	assert.True(t, hm.IsHealthy(ctx))

	hm.Register("comp2", func(context.Context) error { return errors.New("failed") })
	assert.False(t, hm.IsHealthy(ctx))

	status := hm.GetStatus(ctx)
	assert.Equal(t, "Healthy", status["comp1"])
	assert.Equal(t, "Unhealthy: failed", status["comp2"])
}

func TestHealthManager_CheckTimeout(t *testing.T) {
	hm := NewHealthManager(nil, 20*time.Millisecond)
	hm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	healthy, details := hm.Report(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, details["slow"], "deadline exceeded")
}

func TestGatewayAndStoreChecks(t *testing.T) {
	ctx := context.Background()
	connected := true
	hm := NewHealthManager(nil, time.Second)
	hm.Register("gateway", GatewayCheck(func() bool { return connected }))
	hm.Register("store", StoreCheck(store.NewMemoryStore()))

	assert.True(t, hm.IsHealthy(ctx))

	connected = false
	status := hm.GetStatus(ctx)
	assert.Contains(t, status["gateway"], "Unhealthy")
	assert.Equal(t, "Healthy", status["store"])

	assert.Error(t, StoreCheck(nil)(ctx))
}
