package acreage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command actions accepted on <prefix>/<session>/command
const (
	ActionToggle   = "toggle"
	ActionSelect   = "select"
	ActionDeselect = "deselect"
	ActionSetAll   = "setAll"
)

const subscribeTimeout = 5 * time.Second

// Command changes one session's bucket selection
type Command struct {
	Action  string `json:"action"`
	Bucket  int    `json:"bucket,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Apply runs the command against a filter state
func (c Command) Apply(s FilterState) (FilterState, error) {
	switch c.Action {
	case ActionToggle:
		return s.Toggle(c.Bucket)
	case ActionSelect:
		return s.SetSelected(c.Bucket, true)
	case ActionDeselect:
		return s.SetSelected(c.Bucket, false)
	case ActionSetAll:
		if c.Enabled == nil {
			return s, fmt.Errorf("setAll: enabled is required")
		}
		return s.SetAll(*c.Enabled), nil
	}
	return s, fmt.Errorf("unknown action %q", c.Action)
}

// CommandHandler is called for every command message.
// err is set when the payload could not be decoded.
type CommandHandler func(sessionID string, cmd Command, err error)

// MQTTClient manages the broker connection and the command subscription
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates and connects an MQTT client. MQTT_BROKER overrides the
// configured broker; with neither set MQTT is disabled and this returns nil.
func InitMQTT(config *Config, handler CommandHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil {
		return nil, fmt.Errorf("MQTT enabled but no configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		commandHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "acremap"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep the command subscription across reconnects
	opts.SetOrderMatters(true)  // commands for one session must apply in order

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// CommandTopic is the wildcard topic commands arrive on
func (c *MQTTClient) CommandTopic() string {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && c.config != nil {
		prefix = c.config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = defaultPublishPrefix
	}
	return prefix + "/+/command"
}

// onConnect subscribes to the command topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	if err := c.subscribeCommands(client); err != nil {
		log.Printf("[MQTT] Error subscribing: %v", err)
		return
	}
	log.Printf("[MQTT] Subscribed to %s", c.CommandTopic())
}

// subscribeCommands subscribes to the command topic and waits for the
// broker's acknowledgement.
func (c *MQTTClient) subscribeCommands(client mqtt.Client) error {
	topic := c.CommandTopic()
	log.Printf("[MQTT] Subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.createCommandHandler())
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribing to %s: timed out after %v", topic, subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// onConnectionLost is called when the MQTT connection is lost.
// Auto-reconnect is enabled, so this is typically a transient event.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// sessionFromTopic extracts the session id from <prefix>/<session>/command
func sessionFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "command" {
		return "", false
	}
	id := parts[len(parts)-2]
	return id, id != ""
}

// createCommandHandler decodes command payloads and hands them to the command handler
func (c *MQTTClient) createCommandHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		sessionID, ok := sessionFromTopic(msg.Topic())
		if !ok {
			log.Printf("[MQTT] Ignoring message on unexpected topic %s", msg.Topic())
			return
		}

		var cmd Command
		err := json.Unmarshal(msg.Payload(), &cmd)
		if err == nil && cmd.Action == "" {
			err = fmt.Errorf("missing action")
		}
		if err != nil {
			log.Printf("[MQTT] Bad command for session %s: %v", sessionID, err)
			err = fmt.Errorf("decoding command: %w", err)
		} else {
			log.Printf("[MQTT] Command for session %s: %s", sessionID, cmd.Action)
		}

		if c.commandHandler != nil {
			c.commandHandler(sessionID, cmd, err)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		commandHandler: handler,
	}
}
