package app

import (
	"context"
	"errors"
	"testing"

	"github.com/jmehdipour/flowhub/internal/config"
	"github.com/stretchr/testify/require"
)

func TestClosersRunInReverse(t *testing.T) {
	var order []int
	var c Closers
	c.Add(func() error { order = append(order, 1); return nil })
	c.Add(func() error { order = append(order, 2); return errors.New("boom") })
	c.Add(func() error { order = append(order, 3); return nil })

	err := c.Close()
	require.EqualError(t, err, "boom")
	require.Equal(t, []int{3, 2, 1}, order)
}

func TestBuildBusWebhookOnly(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Bus.Sinks = []string{config.SinkWebhook}
	cfg.Bus.Webhook.URL = "http://127.0.0.1:1/events"

	pub, closers, err := BuildBus(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, pub)
	require.Empty(t, closers)
}

func TestBuildBusRejectsClickHouseWithoutStore(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Bus.Sinks = []string{config.SinkWebhook, config.SinkClickHouse}
	cfg.Bus.Webhook.URL = "http://127.0.0.1:1/events"

	_, _, err = BuildBus(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}

func TestNotifierFallsBackToLocal(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	n := Notifier(cfg, nil, nil)
	require.NoError(t, n.Notify(context.Background()))
	select {
	case <-n.Listen(context.Background()):
	default:
		t.Fatal("local notifier did not wake")
	}
}

func TestTopicResourceName(t *testing.T) {
	require.Equal(t, "projects/p/topics/t", topicResourceName("p", "t"))
	require.Equal(t, "projects/x/topics/y", topicResourceName("p", "projects/x/topics/y"))
}
