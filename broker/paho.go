package broker

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config configures a Paho-backed Client.
type Config struct {
	Host     string
	Port     int
	ClientID string
}

// PahoClient is the production Client, backed by
// github.com/eclipse/paho.mqtt.golang.
type PahoClient struct {
	client mqtt.Client
	log    *slog.Logger
}

// Dial connects to the configured broker and returns a ready Client. The
// connection uses the broker's default QoS (at-most-once) since the
// gateway treats every data point as a stateless event and never retries
// (spec.md §7) — a stronger QoS would buy delivery guarantees the design
// explicitly declines to make.
func Dial(cfg Config, log *slog.Logger) (*PahoClient, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("connected to mqtt broker", "host", cfg.Host, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s:%d: timed out", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &PahoClient{client: client, log: log}, nil
}

func (p *PahoClient) Subscribe(topicFilter string, handler Handler) error {
	token := p.client.Subscribe(topicFilter, 0, func(c mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topicFilter, err)
	}
	return nil
}

func (p *PahoClient) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (p *PahoClient) Disconnect() {
	p.client.Disconnect(250)
}
