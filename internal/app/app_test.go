package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/config"
	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/planner"
	"github.com/SirClappington/pubsched/internal/publisher"
)

type countingPublisher struct{ n atomic.Int32 }

func (p *countingPublisher) Publish(_ context.Context, req publisher.Request) (publisher.Result, error) {
	p.n.Add(1)
	return publisher.Result{ExternalID: "ext-" + req.Token}, nil
}

func (p *countingPublisher) PostSecondary(context.Context, string, string, publisher.SecondaryRequest) (publisher.SecondaryResult, error) {
	return publisher.SecondaryResult{Success: true}, nil
}

func (p *countingPublisher) Lookup(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func memoryConfig() config.Config {
	return config.Config{
		AppEnv:            "test",
		InstanceID:        "node-test",
		StoreBackend:      "memory",
		CoordBackend:      "memory",
		QueueBackend:      "local",
		Timezone:          "UTC",
		BatchWindow:       time.Second,
		BatchLimit:        10,
		FallbackDelay:     100 * time.Millisecond,
		LockTTL:           time.Minute,
		HeartbeatTTL:      3 * time.Second,
		SweepSchedule:     "@every 1s",
		WorkerConcurrency: 2,
		PublishRatePerSec: 50,
		PublishRateBurst:  5,
	}
}

func TestNode_PublishesScheduledItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &countingPublisher{}
	n, err := New(ctx, memoryConfig(), Backends{Publisher: pub}, zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	it, err := n.Planner.CreateDraft(ctx, planner.DraftRequest{Content: "launch day"})
	require.NoError(t, err)
	_, err = n.Planner.Schedule(ctx, planner.ScheduleRequest{ItemID: it.ID, ScheduledAt: time.Now().Add(300 * time.Millisecond)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := n.Items.Get(ctx, it.ID)
		return err == nil && got.Status == domain.Published
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), pub.n.Load())

	require.Eventually(t, func() bool {
		rec, err := n.Coord.Get(ctx)
		return err == nil && !rec.Armed()
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}
