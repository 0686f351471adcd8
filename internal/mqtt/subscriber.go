package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/metrics"
)

// SourceMQTT tags events that arrived over MQTT.
const SourceMQTT = "mqtt"

// Dispatcher handles decoded events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Outcome, error)
}

// outcomeMessage is published after each handled event.
type outcomeMessage struct {
	EventID string            `json:"event_id,omitempty"`
	UserID  string            `json:"user_id"`
	Outcome *dispatch.Outcome `json:"outcome,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Subscriber consumes events from the broker.
type Subscriber struct {
	cfg      config.MQTTConfig
	dispatch Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	limiter  *messageRateLimiter

	// publish sends a payload; replaced in tests.
	publish func(ctx context.Context, topic string, payload []byte) error

	sem  chan struct{}
	wg   sync.WaitGroup
	conn atomic.Pointer[autopaho.ConnectionManager]
}

// NewSubscriber creates a subscriber but does not connect. Call
// [Subscriber.Start] to connect and consume.
func NewSubscriber(cfg config.MQTTConfig, d Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 20
	}
	s := &Subscriber{
		cfg:      cfg,
		dispatch: d,
		metrics:  m,
		logger:   logger,
		limiter:  newMessageRateLimiter(int64(limit), time.Second, logger),
		sem:      make(chan struct{}, 4),
	}
	s.publish = s.brokerPublish
	return s
}

func (s *Subscriber) brokerPublish(ctx context.Context, topic string, payload []byte) error {
	cm := s.conn.Load()
	if cm == nil {
		return fmt.Errorf("mqtt not connected")
	}
	_, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0})
	return err
}

func (s *Subscriber) availabilityTopic() string { return s.cfg.ClientID + "/availability" }

func (s *Subscriber) outcomeTopic() string { return s.cfg.Topic + "/outcomes" }

// Start connects to the broker and consumes events until ctx is
// cancelled. It blocks.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: 1}},
			}); err != nil {
				s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
				return
			}
			s.logger.Info("mqtt subscribed", "topic", s.cfg.Topic)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.receive(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.conn.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	s.limiter.start(ctx)
	return nil
}

// AwaitConnection returns nil once the broker connection is up, or the
// context error. It serves as the broker health probe.
func (s *Subscriber) AwaitConnection(ctx context.Context) error {
	cm := s.conn.Load()
	if cm == nil {
		return fmt.Errorf("mqtt not started")
	}
	return cm.AwaitConnection(ctx)
}

// Stop publishes "offline", waits for in-flight events, and
// disconnects.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.wg.Wait()
	cm := s.conn.Load()
	if cm == nil {
		return nil
	}
	s.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (s *Subscriber) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// receive rate-limits and hands the payload to a bounded worker so
// the client's read loop never waits on the model.
func (s *Subscriber) receive(ctx context.Context, topic string, payload []byte) {
	if !s.limiter.allow() {
		s.metrics.Event(SourceMQTT, "rate_limited")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.sem }()
		s.handle(ctx, topic, payload)
	}()
}

// handle decodes one event, dispatches it, and publishes the outcome.
func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) {
	var ev dispatch.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("mqtt payload is not an event", "topic", topic, "payload_size", len(payload), "error", err)
		s.metrics.Event(SourceMQTT, "invalid")
		return
	}
	ev.Source = SourceMQTT

	out, err := s.dispatch.Dispatch(ctx, ev)
	msg := outcomeMessage{EventID: ev.ID, UserID: ev.UserID, Outcome: out}
	if err != nil {
		msg.Error = "event could not be processed"
		if errors.Is(err, dispatch.ErrValidation) {
			msg.Error = err.Error()
		}
		s.logger.Warn("mqtt event failed", "topic", topic, "user_id", ev.UserID, "error", err)
	} else {
		s.logger.Debug("mqtt event handled", "topic", topic, "user_id", ev.UserID, "status", out.Status)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("mqtt marshal outcome", "error", err)
		return
	}
	if err := s.publish(ctx, s.outcomeTopic(), body); err != nil {
		s.logger.Debug("mqtt outcome publish failed", "error", err)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns about drops.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt events dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
