package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

// BusConfig configures the message-bus signaling adapter. Each
// consume queue carries the signals of one remote device; outbound
// traffic goes to "<publish prefix><peer>".
type BusConfig struct {
	URL           string
	ConsumeQueues []string
	PublishPrefix string
	Attempts      int
	WaitTime      time.Duration
}

// Bus bridges an AMQP broker to the signaling core: deliveries are
// decoded into typed events for the sink, outbound events are
// published back per peer.
type Bus struct {
	cfg  BusConfig
	sink EventSink
	log  *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
	quit chan struct{}
	once sync.Once
}

func NewBus(cfg BusConfig, sink EventSink, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 2 * time.Second
	}
	return &Bus{cfg: cfg, sink: sink, log: log, quit: make(chan struct{})}
}

// Connect dials the broker with bounded retries.
func (b *Bus) Connect() error {
	const op = "transport.bus.connect"

	var err error
	for i := b.cfg.Attempts; i > 0; i-- {
		if err = b.connect(); err == nil {
			return nil
		}
		b.log.Info("broker not ready, retrying",
			slog.Int("attempts_left", i-1), sl.Err(err))
		time.Sleep(b.cfg.WaitTime)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (b *Bus) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp.Dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("conn.Channel: %w", err)
	}
	b.conn = conn
	b.ch = ch
	return nil
}

// Run consumes every configured queue until the context is cancelled
// or the broker connection drops. One queue maps to one remote peer;
// its first decodable offer also announces the peer to the sink.
func (b *Bus) Run(ctx context.Context) error {
	const op = "transport.bus.run"

	for _, queue := range b.cfg.ConsumeQueues {
		if _, err := b.ch.QueueDeclare(queue, false, true, false, false, nil); err != nil {
			b.Close()
			return fmt.Errorf("%s: declare %s: %w", op, queue, err)
		}
		deliveries, err := b.ch.Consume(queue, "", true, false, false, false, nil)
		if err != nil {
			b.Close()
			return fmt.Errorf("%s: consume %s: %w", op, queue, err)
		}

		peer := domain.PeerID(queue)
		go b.consume(ctx, peer, deliveries)
	}

	closes := b.conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-ctx.Done():
		return b.Close()
	case <-b.quit:
		return b.Close()
	case amqpErr := <-closes:
		b.shutdown()
		if amqpErr != nil {
			return fmt.Errorf("%s: connection lost: %w", op, amqpErr)
		}
		return nil
	}
}

func (b *Bus) consume(ctx context.Context, peer domain.PeerID, deliveries <-chan amqp.Delivery) {
	log := b.log.With(slog.String("peer", peer.String()))
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Warn("bus deliveries channel closed")
				b.shutdown()
				return
			}
			ev, err := DecodeSignal(peer, d.Body)
			if err != nil {
				log.Warn("discarding malformed bus signal", sl.Err(err))
				continue
			}
			b.sink.HandleEvent(ev)
		}
	}
}

// Deliver publishes an outbound event to the peer's device queue.
func (b *Bus) Deliver(ev domain.Event) {
	payload, err := EncodeSignal(ev)
	if err != nil {
		b.log.Error("dropping unencodable outbound event", sl.Err(err))
		return
	}

	queue := b.cfg.PublishPrefix + ev.Peer().String()
	err = b.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		b.log.Error("publish failed", slog.String("queue", queue), sl.Err(err))
	}
}

func (b *Bus) Close() error {
	b.shutdown()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) shutdown() {
	b.once.Do(func() { close(b.quit) })
}

// Done is closed once the bus stops, whether by Close, a cancelled Run
// or a lost broker connection.
func (b *Bus) Done() <-chan struct{} {
	return b.quit
}
