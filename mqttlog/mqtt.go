// Package mqttlog is a feed.LogStore over an MQTT broker. Each room is the
// topic "{prefix}/{room}"; messages are JSON published at QoS 1. The broker
// keeps no history, so subscriptions start live with an empty backlog.
package mqttlog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/internal/dispatch"
)

var _ feed.LogStore = (*Store)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for rooms.
	DefaultTopicPrefix = "roomchat"

	qos            = 1
	publishTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("mqttlog: not connected")
	ErrStopped      = errors.New("mqttlog: stopped")
	// ErrInvalidRoom rejects keys that would widen or nest the room topic.
	ErrInvalidRoom = errors.New("mqttlog: room must be non-empty and free of '+', '#', '/' and NUL")
)

// Config holds the configuration for an MQTT log store.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker   string
	Username string
	Password string
	UseTLS   bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID    string
	TopicPrefix string
	Clock       clock.Clock
}

// broker is the part of paho.Client the store uses.
type broker interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// Store implements feed.LogStore over MQTT.
type Store struct {
	cfg    Config
	client broker

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func New(cfg Config) *Store {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Store{
		cfg:  cfg,
		subs: make(map[string]map[*subscription]struct{}),
	}
}

// Start connects to the broker. Room subscriptions are renewed on every
// reconnect because sessions are clean.
func (s *Store) Start(ctx context.Context) error {
	if s.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "roomchat-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(func(paho.Client) { s.onConnected() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Error().Err(err).Str("broker", s.cfg.Broker).Msg("[mqtt] connection lost")
			// Clean sessions lose anything published while offline.
			s.endAll(fmt.Errorf("mqtt connection lost: %w", err))
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			log.Info().Str("broker", s.cfg.Broker).Msg("[mqtt] reconnecting")
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := paho.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	return nil
}

// Stop ends every subscription with ErrStopped and disconnects.
func (s *Store) Stop() {
	s.endAll(ErrStopped)
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(1000)
	}
}

// endAll detaches every subscription and reports err to each.
func (s *Store) endAll(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]map[*subscription]struct{})
	s.mu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.end(err)
		}
	}
}

func validRoom(room string) error {
	if room == "" || strings.ContainsAny(room, "+#/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return nil
}

func (s *Store) topic(room string) string {
	return s.cfg.TopicPrefix + "/" + room
}

func (s *Store) conn() (broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || !s.client.IsConnected() {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func wait(t paho.Token, what string) error {
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout %s", what)
	}
	return t.Error()
}

// Append stamps m with a random id and the publisher's clock, then publishes
// it to the room topic.
func (s *Store) Append(ctx context.Context, room string, m feed.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validRoom(room); err != nil {
		return err
	}
	client, err := s.conn()
	if err != nil {
		return err
	}
	m.ID = randomString(16)
	m.Timestamp = feed.ServerTime(s.cfg.Clock.Now().UnixMilli())
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return wait(client.Publish(s.topic(room), qos, false, payload), "publishing to MQTT")
}

// Subscribe joins the room topic. Backlog is always 0. Losing the broker
// connection or stopping the store ends the subscription through onErr.
func (s *Store) Subscribe(ctx context.Context, room string, limit int, fn feed.AppendFunc, onErr feed.ErrorFunc) (feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validRoom(room); err != nil {
		return nil, err
	}
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	sub := &subscription{store: s, room: room, fn: fn, onErr: onErr, q: dispatch.New()}

	s.mu.Lock()
	set := s.subs[room]
	first := len(set) == 0
	if set == nil {
		set = make(map[*subscription]struct{})
		s.subs[room] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	if first {
		if err := wait(client.Subscribe(s.topic(room), qos, s.handler(room)), "subscribing"); err != nil {
			sub.Cancel()
			return nil, err
		}
		log.Debug().Str("topic", s.topic(room)).Msg("[mqtt] subscribed")
	}
	return sub, nil
}

func (s *Store) handler(room string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var m feed.Message
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			log.Debug().Err(err).Str("topic", msg.Topic()).Msg("[mqtt] drop malformed payload")
			return
		}
		s.mu.Lock()
		for sub := range s.subs[room] {
			sub.push(m)
		}
		s.mu.Unlock()
	}
}

func (s *Store) onConnected() {
	s.mu.Lock()
	client := s.client
	rooms := make([]string, 0, len(s.subs))
	for room, set := range s.subs {
		if len(set) > 0 {
			rooms = append(rooms, room)
		}
	}
	s.mu.Unlock()
	log.Info().Str("broker", s.cfg.Broker).Int("rooms", len(rooms)).Msg("[mqtt] connected")
	for _, room := range rooms {
		client.Subscribe(s.topic(room), qos, s.handler(room))
	}
}

func (s *Store) drop(sub *subscription) {
	s.mu.Lock()
	set := s.subs[sub.room]
	delete(set, sub)
	last := set != nil && len(set) == 0
	if last {
		delete(s.subs, sub.room)
	}
	client := s.client
	s.mu.Unlock()
	if last && client != nil && client.IsConnected() {
		// Unsubscribe is not waited on; Cancel must not block.
		client.Unsubscribe(s.topic(sub.room))
	}
}

type subscription struct {
	store *Store
	room  string
	fn    feed.AppendFunc
	onErr feed.ErrorFunc
	q     *dispatch.Queue
	once  sync.Once
}

func (sub *subscription) push(m feed.Message) {
	sub.q.Push(func() { sub.fn(m) })
}

func (sub *subscription) Backlog() int { return 0 }

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.q.Close()
		sub.store.drop(sub)
	})
}

// end runs onErr after the records already queued. The store has already
// forgotten sub.
func (sub *subscription) end(err error) {
	sub.once.Do(func() {
		if sub.onErr == nil {
			sub.q.Close()
			return
		}
		sub.q.Finish(func() { sub.onErr(err) })
	})
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
