package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// StatusTopic carries a retained online/offline flag. The broker
	// publishes offline as the last will.
	StatusTopic string
}

// RealClient talks to an actual MQTT broker. Subscriptions are restored
// after a reconnect.
type RealClient struct {
	client paho.Client
	status string

	mu   sync.Mutex
	subs map[string]Handler
}

func NewRealClient(o Options) (*RealClient, error) {
	c := &RealClient{status: o.StatusTopic, subs: map[string]Handler{}}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.StatusTopic != "" {
		opts.SetWill(o.StatusTopic, StatusOffline, 1, true)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to broker: %w", err)
	}
	return c, nil
}

func (c *RealClient) onConnect(cl paho.Client) {
	if c.status != "" {
		cl.Publish(c.status, 1, true, StatusOnline)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, h := range c.subs {
		cl.Subscribe(filter, 1, wrap(h))
	}
}

func wrap(h Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	}
}

func (c *RealClient) Subscribe(filter string, h Handler) error {
	c.mu.Lock()
	c.subs[filter] = h
	c.mu.Unlock()

	token := c.client.Subscribe(filter, 1, wrap(h))
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: subscribe timeout")
	}
	return token.Error()
}

func (c *RealClient) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

func (c *RealClient) IsConnected() bool {
	return c.client.IsConnected()
}

// Close marks the service offline and disconnects.
func (c *RealClient) Close() error {
	if c.status != "" && c.client.IsConnected() {
		c.client.Publish(c.status, 1, true, StatusOffline).WaitTimeout(time.Second)
	}
	c.client.Disconnect(1000)
	return nil
}
