package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"person-detect-go/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Availability payloads on the status topic.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// SnapshotHandler receives payloads from a subscribed topic: raw images on
// the snapshot topic, or whatever a Subscribe route carries.
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, topic string, payload []byte) error
}

// Verdict is the message published for every processed submission.
type Verdict struct {
	AnalysisID  uint      `json:"analysis_id"`
	Source      string    `json:"source"`
	Outcome     string    `json:"outcome"`
	PersonCount int       `json:"person_count"`
	Display     string    `json:"display"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client connects to the broker, feeds snapshot payloads to the registered
// handlers and publishes verdicts.
type Client struct {
	config   config.MQTTConfig
	client   mqtt.Client
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	handlers []SnapshotHandler
	routes   map[string]SnapshotHandler
	hooks    []func()
	// stopped is set under mu before Stop waits on inflight
	stopped  bool
	inflight sync.WaitGroup
}

// NewClient creates an unconnected client.
func NewClient(cfg config.MQTTConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		routes: make(map[string]SnapshotHandler),
	}
}

// RegisterHandler adds a snapshot handler.
func (c *Client) RegisterHandler(handler SnapshotHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
	log.Debug("Registered new MQTT snapshot handler")
}

// Subscribe routes messages on topic to handler only. The subscription is
// made on every connect, like the snapshot topic's.
func (c *Client) Subscribe(topic string, handler SnapshotHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[topic] = handler
	log.Debugf("Registered MQTT handler for topic %s", topic)
}

// OnConnect registers fn to run after every (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	if c.config.StatusTopic != "" {
		opts.SetWill(c.config.StatusTopic, statusOffline, 1, true)
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Info("MQTT client connected successfully")
	return nil
}

// Stop waits for running handlers and disconnects.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
	if c.client != nil && c.client.IsConnected() {
		if c.config.StatusTopic != "" {
			if err := c.PublishMessage(c.config.StatusTopic, statusOffline, true); err != nil {
				log.Warnf("Failed to publish offline status: %v", err)
			}
		}
		log.Info("Disconnecting MQTT client...")
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)

	if c.config.StatusTopic != "" {
		if token := client.Publish(c.config.StatusTopic, 1, true, statusOnline); token.Wait() && token.Error() != nil {
			log.Warnf("Failed to publish online status: %v", token.Error())
		}
	}

	if c.config.SnapshotTopic != "" {
		log.Infof("Subscribing to MQTT topic: %s", c.config.SnapshotTopic)
		if token := client.Subscribe(c.config.SnapshotTopic, 1, c.messageHandler); token.Wait() && token.Error() != nil {
			log.Errorf("Failed to subscribe to topic %s: %v", c.config.SnapshotTopic, token.Error())
		}
	}

	c.mu.RLock()
	routes := make(map[string]SnapshotHandler, len(c.routes))
	for topic, h := range c.routes {
		routes[topic] = h
	}
	hooks := append([]func(){}, c.hooks...)
	c.mu.RUnlock()

	for topic, h := range routes {
		handler := h
		log.Infof("Subscribing to MQTT topic: %s", topic)
		callback := func(_ mqtt.Client, msg mqtt.Message) {
			c.dispatchTo(msg.Topic(), msg.Payload(), []SnapshotHandler{handler})
		}
		if token := client.Subscribe(topic, 1, callback); token.Wait() && token.Error() != nil {
			log.Errorf("Failed to subscribe to topic %s: %v", topic, token.Error())
		}
	}

	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	c.dispatch(msg.Topic(), msg.Payload())
}

// dispatch hands a payload to every handler on its own goroutine so paho's
// delivery routine is never blocked by inference.
func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.RLock()
	handlers := append([]SnapshotHandler(nil), c.handlers...)
	c.mu.RUnlock()

	c.dispatchTo(topic, payload, handlers)
}

func (c *Client) dispatchTo(topic string, payload []byte, handlers []SnapshotHandler) {
	log.Debugf("Received MQTT message on topic %s (%d bytes)", topic, len(payload))

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(len(handlers))
	c.mu.Unlock()

	for _, handler := range handlers {
		go func(h SnapshotHandler) {
			defer c.inflight.Done()
			if err := h.HandleSnapshot(c.ctx, topic, payload); err != nil {
				log.WithError(err).Warnf("Failed to handle snapshot from %s", topic)
			}
		}(handler)
	}
}

// PublishVerdict publishes v as retained JSON on the result topic.
func (c *Client) PublishVerdict(v Verdict) error {
	if c.config.ResultTopic == "" {
		return nil
	}
	return c.PublishMessage(c.config.ResultTopic, v, true)
}

// PublishMessage publishes payload on topic. Strings and byte slices are sent
// as-is, everything else as JSON.
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	var payloadBytes []byte
	switch p := payload.(type) {
	case string:
		payloadBytes = []byte(p)
	case []byte:
		payloadBytes = p
	default:
		var err error
		payloadBytes, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}

	log.Debugf("Published message to topic: %s", topic)
	return nil
}
