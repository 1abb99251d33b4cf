// Package mqttscan is an optional collaborator that feeds a rangeslam.Slam
// instance from an MQTT broker: range scans and encoder ticks arrive as
// subscribed messages, and pose updates are republished; map updates are
// not published. It is never
// imported by package rangeslam itself — it is one example implementation
// of the range-scan/odometry producer and observer roles the core engine
// expects to be supplied from outside.
package mqttscan

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/rangeslam/rangeslam"
)

// Topics configures the MQTT topics a Client subscribes to and publishes
// on for a single robot.
type Topics struct {
	Scan    string // JSON-encoded []rangeslam.Echo
	Encoder string // JSON-encoded encoderTick{Left,Right,Tread}
	Pose    string // published on every pose update
}

type encoderTick struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
	Tread float64 `json:"tread"`
}

type echoMessage struct {
	Range     float64 `json:"range"`
	Bearing   float64 `json:"bearing"`
	Intensity float64 `json:"intensity"`
	Timestamp int64   `json:"timestamp"`
}

// Client wires an MQTT broker to a rangeslam.Slam instance.
type Client struct {
	client mqtt.Client
	slam   *rangeslam.Slam
	topics Topics

	mu          sync.RWMutex
	isConnected bool
}

// Config is the broker connection configuration, resolved from either the
// explicit fields or the MQTT_BROKER/MQTT_CLIENT_ID/MQTT_USERNAME/
// MQTT_PASSWORD environment variables, env taking precedence.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

func resolve(envKey, fallback string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

// NewClient connects to the broker described by cfg and wires scan/encoder
// topics into slam. If cfg.Broker (and MQTT_BROKER) are both empty, MQTT is
// considered disabled and NewClient returns (nil, nil).
func NewClient(cfg Config, topics Topics, slam *rangeslam.Slam) (*Client, error) {
	broker := resolve("MQTT_BROKER", cfg.Broker)
	if broker == "" {
		log.Println("mqttscan: disabled, MQTT_BROKER not set")
		return nil, nil
	}

	clientID := resolve("MQTT_CLIENT_ID", cfg.ClientID)
	if clientID == "" {
		clientID = "rangeslam"
	}

	c := &Client{slam: slam, topics: topics}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)

	username := resolve("MQTT_USERNAME", cfg.Username)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(resolve("MQTT_PASSWORD", cfg.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c, c.connect()
}

// newWithMQTTClient builds a Client around a caller-supplied mqtt.Client,
// used by tests to inject a fake broker.
func newWithMQTTClient(client mqtt.Client, topics Topics, slam *rangeslam.Slam) *Client {
	return &Client{client: client, slam: slam, topics: topics}
}

func (c *Client) connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqttscan: connect timed out")
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.setConnected(true)
	log.Println("mqttscan: connected, subscribing")

	if c.topics.Scan != "" {
		if token := client.Subscribe(c.topics.Scan, 0, c.handleScan); token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("mqttscan: subscribe %s: %v", c.topics.Scan, token.Error())
		}
	}
	if c.topics.Encoder != "" {
		if token := client.Subscribe(c.topics.Encoder, 0, c.handleEncoder); token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("mqttscan: subscribe %s: %v", c.topics.Encoder, token.Error())
		}
	}

	c.slam.OnPoseUpdate = func(p rangeslam.Pose2D) {
		c.publishPose(p)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("mqttscan: connection lost (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *Client) handleScan(client mqtt.Client, msg mqtt.Message) {
	var raw []echoMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.Printf("mqttscan: decoding scan payload: %v", err)
		return
	}
	echoes := make([]rangeslam.Echo, len(raw))
	for i, e := range raw {
		echoes[i] = rangeslam.Echo{Range: e.Range, Bearing: e.Bearing, Intensity: e.Intensity, Timestamp: e.Timestamp}
	}
	c.slam.UpdatePoseWithLaserScan(rangeslam.NewLaserScan(echoes))
}

func (c *Client) handleEncoder(client mqtt.Client, msg mqtt.Message) {
	var tick encoderTick
	if err := json.Unmarshal(msg.Payload(), &tick); err != nil {
		log.Printf("mqttscan: decoding encoder payload: %v", err)
		return
	}
	c.slam.UpdatePoseWithEncoder(tick.Left, tick.Right, tick.Tread)
}

func (c *Client) publishPose(p rangeslam.Pose2D) {
	if c.topics.Pose == "" {
		return
	}
	payload, err := json.Marshal(struct {
		X, Y, Theta float64
	}{p.X, p.Y, p.Theta})
	if err != nil {
		log.Printf("mqttscan: encoding pose payload: %v", err)
		return
	}
	c.client.Publish(c.topics.Pose, 0, false, payload)
}

// IsConnected reports whether the underlying MQTT client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = v
}

// Disconnect gracefully closes the MQTT connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}
