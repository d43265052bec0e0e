package transport

import (
	"context"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemir/signalmesh/internal/domain"
)

func TestBusSignalsDoneWhenDeliveriesStop(t *testing.T) {
	events := make(chan domain.Event, 1)
	bus := NewBus(BusConfig{}, sinkFunc(func(ev domain.Event) { events <- ev }), nil)

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Body: []byte(`{"type":"offer","sdp":"v=0 cam"}`)}
	go bus.consume(context.Background(), "cam_0", deliveries)

	select {
	case ev := <-events:
		sdp, ok := ev.(domain.RemoteSDP)
		require.True(t, ok)
		assert.Equal(t, domain.PeerID("cam_0"), sdp.From)
	case <-time.After(time.Second):
		t.Fatal("expected the delivery to reach the sink")
	}

	// The broker closing the connection closes the deliveries channel;
	// the bus must surface that instead of leaving a dead consumer.
	close(deliveries)

	select {
	case <-bus.Done():
	case <-time.After(time.Second):
		t.Fatal("expected done signal after deliveries channel closed")
	}
}
