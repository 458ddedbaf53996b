// Package mqtt wraps the paho client with the connection policy shared by
// the ingest and dispatch sides: TLS security modes, a last-will state
// topic, auto-reconnect, and context-aware publishing.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"saferelay/internal/types"
)

// SecurityMode selects the transport security level.
type SecurityMode string

const (
	SecurityNone SecurityMode = "none"
	SecurityTLS  SecurityMode = "tls"
	SecurityMTLS SecurityMode = "mtls"
)

// MessageHandler receives inbound messages for a subscription.
type MessageHandler func(topic string, payload []byte)

// Options configures a Client. ClientIDPrefix gets a uuid suffix so two
// instances never collide on the broker.
type Options struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration

	Security SecurityMode
	CAFile   string
	CertFile string
	KeyFile  string

	// StateTopic, when set, carries the availability contract: "online"
	// is published retained after every (re)connect and OfflinePayload is
	// registered as the broker-side last will.
	StateTopic     string
	OnlinePayload  string
	OfflinePayload string
	StateQoS       byte

	// OnReconnect is invoked on every successful connect after the first,
	// for the reconnect counter.
	OnReconnect func()
}

// Client is a thin wrapper over the paho client.
type Client struct {
	client pahomqtt.Client
	opts   Options
	logger types.Logger
}

// NewClient builds the client and connects. Connect failures are transient
// broker errors; callers wrap construction in their retry loop.
func NewClient(opts Options, logger types.Logger) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "mqtt broker URL is required", nil)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.OnlinePayload == "" {
		opts.OnlinePayload = "online"
	}
	if opts.OfflinePayload == "" {
		opts.OfflinePayload = "offline"
	}

	clientID := fmt.Sprintf("%s-%s", opts.ClientIDPrefix, uuid.NewString()[:8])

	pOpts := pahomqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(clientID).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(opts.CleanSession).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true)

	if opts.Username != "" {
		pOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pOpts.SetPassword(opts.Password)
	}

	if opts.Security == SecurityTLS || opts.Security == SecurityMTLS {
		tlsCfg, err := buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		pOpts.SetTLSConfig(tlsCfg)
	}

	if opts.StateTopic != "" {
		pOpts.SetWill(opts.StateTopic, opts.OfflinePayload, opts.StateQoS, true)
	}

	c := &Client{opts: opts, logger: logger.With("component", "mqtt", "client_id", clientID)}

	first := true
	pOpts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		if first {
			first = false
			c.logger.Info("connected to broker", "broker", opts.BrokerURL)
		} else {
			c.logger.Info("reconnected to broker", "broker", opts.BrokerURL)
			if opts.OnReconnect != nil {
				opts.OnReconnect()
			}
		}
		if opts.StateTopic != "" {
			token := pc.Publish(opts.StateTopic, opts.StateQoS, true, opts.OnlinePayload)
			go func() {
				token.Wait()
				if err := token.Error(); err != nil {
					c.logger.Warn("failed to publish online state", "error", err.Error())
				}
			}()
		}
	})
	pOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("broker connection lost", "error", err.Error())
	})

	c.client = pahomqtt.NewClient(pOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, types.NewAppError(types.ErrCodeTransientBroker, "mqtt connect timed out", nil)
	}
	if err := token.Error(); err != nil {
		return nil, types.NewAppError(types.ErrCodeTransientBroker, "mqtt connect failed", err)
	}

	return c, nil
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeConfigInvalid, "cannot read CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, types.NewAppError(types.ErrCodeConfigInvalid, "no certificates found in CA file", nil)
		}
		cfg.RootCAs = pool
	}

	if opts.Security == SecurityMTLS {
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, types.NewAppError(types.ErrCodeConfigInvalid, "mtls requires both cert and key files", nil)
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeConfigInvalid, "cannot load client certificate", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Publish sends payload to topic and waits for broker acknowledgement or
// context expiry.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retain, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return types.NewAppError(types.ErrCodeTransientBroker,
			fmt.Sprintf("publish to %s failed", topic), err)
	}
	return nil
}

// Subscribe registers handler for a topic filter. The subscription survives
// reconnects via paho's resume logic.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return types.NewAppError(types.ErrCodeTransientBroker,
			fmt.Sprintf("subscribe to %s failed", topic), err)
	}
	c.logger.Info("subscribed", "topic", topic, "qos", qos)
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect publishes the offline state and closes the connection,
// allowing in-flight work a short grace period.
func (c *Client) Disconnect() {
	if c.opts.StateTopic != "" && c.client.IsConnected() {
		token := c.client.Publish(c.opts.StateTopic, c.opts.StateQoS, true, c.opts.OfflinePayload)
		token.WaitTimeout(2 * time.Second)
	}
	c.client.Disconnect(250)
}
