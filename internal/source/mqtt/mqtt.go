// Package mqtt implements source discovery and change notifications over an
// MQTT broker using Home-Assistant-style discovery topics:
//
//	<prefix>/binary_sensor/<object_id>/config   retained JSON announcement
//	<state_topic from the announcement>          "on"/"off" payloads
//
// Announcements whose device_class is not in the configured set are ignored.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goodtune/occutrack/internal/accrual"
	"github.com/goodtune/occutrack/internal/source"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// rawConfigCacheSize bounds the cache of retained announcement payloads
	// used to skip re-parsing on broker reconnects.
	rawConfigCacheSize = 1024
)

// Config holds broker connection settings and the qualifying device classes.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	DiscoveryPrefix string
	DeviceClasses   []string
}

// announcement is the subset of a discovery config payload we care about.
type announcement struct {
	Name        string `json:"name"`
	DeviceClass string `json:"device_class"`
	StateTopic  string `json:"state_topic"`
	UniqueID    string `json:"unique_id"`
}

type sensorInfo struct {
	id         string
	name       string
	stateTopic string
	value      accrual.Value
}

// Source is an MQTT-backed source.Provider and source.EventSource. It also
// publishes derived reading payloads back to the broker.
type Source struct {
	cfg        Config
	client     paho.Client
	logger     zerolog.Logger
	classes    map[string]struct{}
	rawConfigs *lru.Cache[string, string]

	mu            sync.Mutex
	sensors       map[string]*sensorInfo
	byStateTopic  map[string]string
	byConfigTopic map[string]string
	subs          map[*subscription]struct{}
}

// New creates an unconnected source. Call Connect before use.
func New(cfg Config, logger zerolog.Logger) (*Source, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}

	cache, err := lru.New[string, string](rawConfigCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create announcement cache: %w", err)
	}

	classes := make(map[string]struct{}, len(cfg.DeviceClasses))
	for _, class := range cfg.DeviceClasses {
		classes[strings.ToLower(class)] = struct{}{}
	}

	s := &Source{
		cfg:           cfg,
		logger:        logger.With().Str("component", "mqtt-source").Logger(),
		classes:       classes,
		rawConfigs:    cache,
		sensors:       make(map[string]*sensorInfo),
		byStateTopic:  make(map[string]string),
		byConfigTopic: make(map[string]string),
		subs:          make(map[*subscription]struct{}),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	s.client = paho.NewClient(opts)

	return s, nil
}

// Connect establishes the broker connection and the discovery subscription.
func (s *Source) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Source) Close() error {
	s.client.Disconnect(1000) // 1 second timeout
	return nil
}

// onConnect runs on every (re)connection: the discovery wildcard and all
// known state topics must be re-established because subscriptions do not
// survive a broken session.
func (s *Source) onConnect(client paho.Client) {
	discoveryTopic := fmt.Sprintf("%s/binary_sensor/+/config", s.cfg.DiscoveryPrefix)
	s.subscribeTopic(discoveryTopic, s.handleAnnouncement)

	s.mu.Lock()
	stateTopics := make([]string, 0, len(s.byStateTopic))
	for topic := range s.byStateTopic {
		stateTopics = append(stateTopics, topic)
	}
	s.mu.Unlock()

	for _, topic := range stateTopics {
		s.subscribeTopic(topic, s.handleState)
	}

	s.logger.Info().Str("discovery", discoveryTopic).Msg("MQTT subscriptions established")
}

func (s *Source) subscribeTopic(topic string, handler paho.MessageHandler) {
	token := s.client.Subscribe(topic, 0, handler)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			s.logger.Warn().Str("topic", topic).Msg("Subscribe timed out")
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Subscribe failed")
		}
	}()
}

// handleAnnouncement processes a retained discovery config message.
func (s *Source) handleAnnouncement(client paho.Client, msg paho.Message) {
	raw := string(msg.Payload())
	if cached, ok := s.rawConfigs.Get(msg.Topic()); ok && cached == raw {
		return // retained redelivery, already in the registry
	}
	s.rawConfigs.Add(msg.Topic(), raw)

	id := objectIDFromTopic(msg.Topic(), s.cfg.DiscoveryPrefix)

	if len(raw) == 0 {
		// Empty retained payload: the announcement was withdrawn.
		s.removeByConfigTopic(msg.Topic())
		return
	}

	var ann announcement
	if err := json.Unmarshal(msg.Payload(), &ann); err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Malformed discovery payload")
		return
	}
	if ann.UniqueID != "" {
		id = ann.UniqueID
	}
	if ann.StateTopic == "" {
		s.logger.Warn().Str("topic", msg.Topic()).Msg("Discovery payload missing state_topic")
		return
	}
	if _, ok := s.classes[strings.ToLower(ann.DeviceClass)]; !ok {
		return // not a presence-class sensor
	}

	name := ann.Name
	if name == "" {
		name = id
	}

	s.mu.Lock()
	info, exists := s.sensors[id]
	if !exists {
		info = &sensorInfo{id: id, value: accrual.ValueUnknown}
		s.sensors[id] = info
	}
	if info.stateTopic != "" && info.stateTopic != ann.StateTopic {
		delete(s.byStateTopic, info.stateTopic)
	}
	info.name = name
	info.stateTopic = ann.StateTopic
	s.byStateTopic[ann.StateTopic] = id
	s.byConfigTopic[msg.Topic()] = id
	s.mu.Unlock()

	s.subscribeTopic(ann.StateTopic, s.handleState)

	s.logger.Debug().
		Str("source", id).
		Str("name", name).
		Str("device_class", ann.DeviceClass).
		Str("state_topic", ann.StateTopic).
		Msg("Discovered presence source")
}

func (s *Source) removeByConfigTopic(configTopic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byConfigTopic[configTopic]
	if !ok {
		return
	}
	delete(s.byConfigTopic, configTopic)
	if info, ok := s.sensors[id]; ok {
		delete(s.byStateTopic, info.stateTopic)
		delete(s.sensors, id)
	}
	s.logger.Debug().Str("source", id).Msg("Presence source withdrawn")
}

// handleState processes one on/off payload and fans it out to the live
// subscriptions covering the source.
func (s *Source) handleState(client paho.Client, msg paho.Message) {
	value := accrual.ParseValue(string(msg.Payload()))

	s.mu.Lock()
	id, ok := s.byStateTopic[msg.Topic()]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.sensors[id].value = value

	handlers := make([]func(source.Event), 0, len(s.subs))
	for sub := range s.subs {
		if _, ok := sub.ids[id]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(source.Event{ID: id, Value: value})
	}
}

// Snapshot returns the currently announced qualifying sensors.
func (s *Source) Snapshot(ctx context.Context) ([]source.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]source.Candidate, 0, len(s.sensors))
	for _, info := range s.sensors {
		out = append(out, source.Candidate{ID: info.id, Name: info.name, Value: info.value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Subscribe registers a handler for the given identifier set. The state
// stream is already flowing from the broker; the subscription only scopes
// dispatch, so swapping subscriptions is an atomic filter change.
func (s *Source) Subscribe(ids []string, handler func(source.Event)) (source.Subscription, error) {
	sub := &subscription{src: s, handler: handler, ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		sub.ids[id] = struct{}{}
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

// Publish sends a derived reading payload. QoS 0, optionally retained so a
// consumer joining later still sees the latest value.
func (s *Source) Publish(topic string, payload []byte, retained bool) error {
	token := s.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

type subscription struct {
	src     *Source
	handler func(source.Event)
	ids     map[string]struct{}
}

func (sub *subscription) Cancel() {
	sub.src.mu.Lock()
	defer sub.src.mu.Unlock()
	delete(sub.src.subs, sub)
}

// objectIDFromTopic extracts <object_id> from
// <prefix>/binary_sensor/<object_id>/config.
func objectIDFromTopic(topic, prefix string) string {
	trimmed := strings.TrimPrefix(topic, prefix+"/binary_sensor/")
	return strings.TrimSuffix(trimmed, "/config")
}
