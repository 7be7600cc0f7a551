package coord

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the broker connection for the control plane.
type MQTTConfig struct {
	Broker   string // e.g. mqtt://localhost:1883 or mqtts://…
	Username string
	Password string
	// ClientID must be unique per coordinator process; the persisted
	// instance id is used.
	ClientID string
	// AvailabilityTopic receives "online"/"offline" (retained, with a
	// will message for unexpected disconnects). Optional.
	AvailabilityTopic string
	Logger            *slog.Logger
}

// MQTTPubSub is the broker-backed PubSub used for control-plane RPC.
type MQTTPubSub struct {
	cfg    MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu   sync.RWMutex
	subs map[int]memorySub // registered filters, restored on reconnect
	next int
}

// NewMQTTPubSub creates the client but does not connect; call Start.
func NewMQTTPubSub(cfg MQTTConfig) *MQTTPubSub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPubSub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[int]memorySub),
	}
}

// Start connects to the broker. autopaho reconnects in the background
// on failure; on every (re-)connect all registered subscriptions are
// restored and the availability topic is marked online.
func (m *MQTTPubSub) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.restoreSubscriptions(ctx, cm)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if m.cfg.AvailabilityTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   m.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	// Wait briefly for the initial connection; autopaho keeps retrying
	// in the background if this times out.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop marks the coordinator offline and disconnects.
func (m *MQTTPubSub) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// Publish implements PubSub.
func (m *MQTTPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt pubsub not started")
	}
	_, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements PubSub. The filter is registered so it survives
// broker reconnects.
func (m *MQTTPubSub) Subscribe(ctx context.Context, filter string, h Handler) (func(), error) {
	if m.cm == nil {
		return nil, fmt.Errorf("mqtt pubsub not started")
	}

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = memorySub{filter: filter, h: h}
	m.mu.Unlock()

	if _, err := m.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			stillUsed := false
			for _, s := range m.subs {
				if s.filter == filter {
					stillUsed = true
					break
				}
			}
			m.mu.Unlock()

			if !stillUsed {
				unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := m.cm.Unsubscribe(unsubCtx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
					m.logger.Debug("mqtt unsubscribe failed", "filter", filter, "error", err)
				}
			}
		})
	}, nil
}

// dispatch fans a received publish out to matching registered handlers.
func (m *MQTTPubSub) dispatch(topic string, payload []byte) {
	m.mu.RLock()
	matched := make([]Handler, 0, 2)
	for _, s := range m.subs {
		if matchTopic(s.filter, topic) {
			matched = append(matched, s.h)
		}
	}
	m.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload)
	}
}

// restoreSubscriptions re-subscribes every registered filter after a
// (re-)connect.
func (m *MQTTPubSub) restoreSubscriptions(ctx context.Context, cm *autopaho.ConnectionManager) {
	m.mu.RLock()
	filters := make(map[string]struct{}, len(m.subs))
	for _, s := range m.subs {
		filters[s.filter] = struct{}{}
	}
	m.mu.RUnlock()

	for f := range filters {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: f, QoS: 1}},
		}); err != nil {
			m.logger.Warn("mqtt re-subscribe failed", "filter", f, "error", err)
		}
	}
}

func (m *MQTTPubSub) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if m.cfg.AvailabilityTopic == "" {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}
