// Package natsbus connects the group call engine to its collaborators over
// NATS: call-start announcements, relay tokens, group membership, status
// messages, the media transport and the service control surface.
package natsbus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Message is a message received from the bus.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler handles one received message.
type Handler func(msg *Message)

// Unsubscriber ends a subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Bus is the subset of a NATS connection the components need.
type Bus interface {
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject string, handler Handler) (Unsubscriber, error)
}

// Config holds NATS connection settings.
type Config struct {
	URL             string
	Name            string
	CredentialsFile string
	Token           string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS. onStatus, if set, is told about every connection
// state change.
func Connect(cfg Config, logger zerolog.Logger, onStatus func(connected bool)) (*Client, error) {
	notify := func(connected bool) {
		if onStatus != nil {
			onStatus(connected)
		}
	}
	name := cfg.Name
	if name == "" {
		name = "groupcall-manager"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
			notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			notify(true)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
			notify(false)
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	notify(true)

	return &Client{conn: conn, log: logger}, nil
}

// Subscribe delivers every message on subject to handler.
func (c *Client) Subscribe(subject string, handler Handler) (Unsubscriber, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.log.Debug().Str("subject", subject).Msg("Subscribed to NATS")
	return sub, nil
}

// Publish publishes data to subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends a request and waits for the reply or ctx.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	c.conn.Close()
}

// IsConnected returns true if connected to NATS
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Status returns the connection status
func (c *Client) Status() string {
	switch c.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}
