package postproc

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockToken implements mqtt.Token for testing
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// mockMessage is one payload captured by mockClient
type mockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// mockClient implements mqtt.Client, recording everything published
type mockClient struct {
	mu           sync.RWMutex
	connected    bool
	publishError error
	published    []mockMessage
}

func newMockClient(connected bool) *mockClient {
	return &mockClient{connected: connected}
}

func (c *mockClient) setPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

func (c *mockClient) messages() []mockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mockMessage, len(c.published))
	copy(out, c.published)
	return out
}

func (c *mockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *mockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *mockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &mockToken{}
}

func (c *mockClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return &mockToken{err: mqtt.ErrNotConnected}
	}
	if c.publishError != nil {
		return &mockToken{err: c.publishError}
	}

	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	c.published = append(c.published, mockMessage{Topic: topic, Payload: b, QoS: qos, Retain: retained})
	return &mockToken{}
}

func (c *mockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (c *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (c *mockClient) Unsubscribe(...string) mqtt.Token { return &mockToken{} }

func (c *mockClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}
