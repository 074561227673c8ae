// Package emitter publishes recognized plates to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/ayusman/platewatch/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 64
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

// Event is the payload published for every recognized plate.
type Event struct {
	CameraID   int       `json:"camera_id"`
	Plate      string    `json:"plate"`
	DetectedAt time.Time `json:"detected_at"`
}

// MQTTEmitter publishes plate events on {prefix}/{camera_id}. Enqueue never
// blocks; events are published by a background goroutine.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	mu        sync.RWMutex
	running   bool
	stopped   bool
	connected bool
	published uint64
	errors    uint64
	dropped   uint64
}

// NewMQTTEmitter creates an emitter for the given broker settings.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:   cfg,
		queue: make(chan Event, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Connect establishes the broker connection and starts the publish loop.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Info().Str("broker", config.RedactURL(e.cfg.Broker)).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Warn().Err(err).Str("broker", config.RedactURL(e.cfg.Broker)).Msg("mqtt connection lost, will auto-reconnect")
	}

	e.Client = mqtt.NewClient(opts)
	log.Info().Str("broker", config.RedactURL(e.cfg.Broker)).Msg("connecting to mqtt broker")

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.Client.Disconnect(0)
		return fmt.Errorf("mqtt connection aborted: %w", ctx.Err())
	case <-time.After(connectTimeout):
		// Stops the connect retry loop.
		e.Client.Disconnect(0)
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		e.Client.Disconnect(0)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	e.Start()
	return nil
}

// Start launches the publish loop for an already connected Client.
func (e *MQTTEmitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.stopped {
		return
	}
	e.running = true
	go e.run()
}

func (e *MQTTEmitter) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.queue:
			if err := e.Publish(ev); err != nil {
				log.Warn().Err(err).Int("camera_id", ev.CameraID).Str("plate", ev.Plate).Msg("failed to publish plate event")
			}
		}
	}
}

// Enqueue schedules ev for publishing. It returns false when the queue is
// full and the event was dropped.
func (e *MQTTEmitter) Enqueue(ev Event) bool {
	select {
	case e.queue <- ev:
		return true
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		return false
	}
}

// Topic returns the topic of a camera.
func (e *MQTTEmitter) Topic(cameraID int) string {
	return e.cfg.TopicPrefix + "/" + strconv.Itoa(cameraID)
}

// Publish sends ev synchronously.
func (e *MQTTEmitter) Publish(ev Event) error {
	if !e.isConnected() || e.Client == nil {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal plate event: %w", err)
	}

	topic := e.Topic(ev.CameraID)
	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	log.Debug().Str("topic", topic).Str("plate", ev.Plate).Msg("plate event published")
	return nil
}

// Disconnect stops the publish loop and closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	e.mu.Lock()
	running := e.running
	if !e.stopped {
		e.stopped = true
		close(e.stop)
	}
	e.mu.Unlock()

	if running {
		select {
		case <-e.done:
		case <-time.After(publishTimeout + time.Second):
			log.Warn().Msg("mqtt publish loop did not stop in time")
		}
	}

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		log.Info().Msg("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
	Dropped   uint64
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
