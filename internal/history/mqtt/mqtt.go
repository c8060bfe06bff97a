package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/procd/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

var ErrPublishFailed = errors.New("mqtt publish failed")

// Publisher is the subset of the paho client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes each event as JSON to <prefix>/<role>/<type>.
type Sink struct {
	client Publisher
	prefix string
	qos    byte
}

// Connect dials broker (e.g. "tcp://localhost:1883") and returns a sink publishing under prefix.
func Connect(broker, clientID, prefix string) (*Sink, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout)
	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return New(c, prefix, 1), nil
}

// New wraps an already connected client.
func New(client Publisher, prefix string, qos byte) *Sink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "procd"
	}
	return &Sink{client: client, prefix: prefix, qos: qos}
}

// Topic returns the topic an event is published to.
func (s *Sink) Topic(e history.Event) string {
	role := e.Role
	if role == "" {
		role = "_"
	}
	return s.prefix + "/" + role + "/" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(e), s.qos, false, payload)
	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}
