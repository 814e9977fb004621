package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"
)

// MQTT configuration of the telemetry broker
type Config struct {
	Host     string // broker host name, also used for certificate verification
	Port     int    // broker TLS port, usually 8883
	Username string // MQTT Username to use when connecting to server
	Password string // MQTT Password to use when connecting to server
	CAPath   string // PEM file with the certificate authority of the broker

	ClientID  string // MQTT client identifier, see identity.ClientID
	QoS       byte   // qos to utilise when publishing
	KeepAlive uint16 // seconds between keepalive packets

	// time to wait for the connection to come up before giving up
	ConnectGrace time.Duration
}

// ErrNotConnected is returned by Connect when the broker did not accept
// the session within the grace period.
var ErrNotConnected = errors.New("mqtt connection not established")

const defaultConnectGrace = 5 * time.Second

type Client struct {
	config    Config
	serverURL *url.URL
	tlsCfg    *tls.Config
	client    *autopaho.ConnectionManager

	// set from the connection manager's goroutine
	isConnected atomic.Bool

	// cancels the connection manager
	stop      context.CancelFunc
	closeOnce sync.Once
}

// NewClient validates the configuration and loads the trust anchor. It
// does not connect; call Connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("mqtt host is empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("mqtt port %d out of range", cfg.Port)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d not supported", cfg.QoS)
	}
	if cfg.ConnectGrace <= 0 {
		cfg.ConnectGrace = defaultConnectGrace
	}
	tlsCfg, err := tlsConfig(cfg.CAPath, cfg.Host)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:    cfg,
		serverURL: serverURL(cfg.Host, cfg.Port),
		tlsCfg:    tlsCfg,
	}, nil
}

// TLS only, there is no fallback to plain MQTT
func serverURL(host string, port int) *url.URL {
	return &url.URL{
		Scheme: "mqtts",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
}

// Connect starts the connection manager and waits up to the grace period
// for the broker to accept the session. The manager keeps running in the
// background until Close.
func (c *Client) Connect(ctx context.Context) error {
	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{c.serverURL},
		TlsCfg:                        c.tlsCfg,
		KeepAlive:                     c.config.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               c.config.Username,
		ConnectPassword:               []byte(c.config.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msg("Connection Successful")
			c.isConnected.Store(true)
		},

		OnConnectError: func(err error) {
			log.Error().Msgf("Failed to connect: %s", err)
		},

		ClientConfig: paho.ClientConfig{
			ClientID: c.config.ClientID,
			OnClientError: func(err error) {
				log.Error().Msgf("Client error: %s", err)
				c.isConnected.Store(false)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.isConnected.Store(false)
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
			},
		},
	}

	// the manager outlives the caller's context so Close can still
	// send a DISCONNECT after an interrupt
	runCtx, stop := context.WithCancel(context.Background())
	c.stop = stop

	log.Info().Msgf("Connect to MQTT broker %s ...", c.serverURL.Host)
	var err error
	c.client, err = autopaho.NewConnection(runCtx, cliCfg)
	if err != nil {
		stop()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	log.Info().Msg("Waiting for connection...")
	graceCtx, cancel := context.WithTimeout(ctx, c.config.ConnectGrace)
	defer cancel()
	if err := c.client.AwaitConnection(graceCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w within %s: %w", ErrNotConnected, c.config.ConnectGrace, err)
	}
	// OnConnectionUp may still be running
	c.isConnected.Store(true)
	return nil
}

// IsConnected reports the last connection state seen by the callbacks.
func (c *Client) IsConnected() bool {
	return c.isConnected.Load()
}

// Publish sends payload to topic and returns the synchronous status.
// Failures are not retried.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.client == nil {
		return ErrNotConnected
	}

	resp, err := c.client.Publish(ctx, &paho.Publish{
		QoS:     c.config.QoS,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return fmt.Errorf("publish to %s: reason code %d", topic, resp.ReasonCode)
	}
	c.onPublished(topic, resp)
	return nil
}

// onPublished is the delivery acknowledgment hook.
func (c *Client) onPublished(topic string, resp *paho.PublishResponse) {
	event := log.Info().Str("topic", topic).Uint8("qos", c.config.QoS)
	if resp != nil {
		event = event.Uint8("reasonCode", resp.ReasonCode)
	}
	event.Msg("Message Published")
}

// Close disconnects from the broker and stops the connection manager.
// Calling it more than once, or without Connect, is fine.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.client == nil {
			return
		}
		if c.isConnected.Load() {
			log.Info().Msg("Disconnecting client")
			if dErr := c.client.Disconnect(ctx); dErr != nil {
				err = fmt.Errorf("mqtt disconnect: %w", dErr)
				log.Error().Msgf("Failed to disconnect: %s", dErr)
			}
		}

		log.Info().Msg("Stopping loop")
		c.stop()
		if stopErr := c.awaitStopped(ctx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		c.isConnected.Store(false)
		log.Info().Msg("Disconnected from MQTT broker")
	})
	return err
}

// awaitStopped waits for the connection manager goroutine to exit. A
// manager that already stopped wins over an expired ctx.
func (c *Client) awaitStopped(ctx context.Context) error {
	select {
	case <-c.client.Done():
		return nil
	default:
	}
	select {
	case <-c.client.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt stop: %w", ctx.Err())
	}
}
