// Package notify publishes platform events to an MQTT broker and accepts
// interrupt requests on a control topic.
package notify

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/buildinfo"
	"github.com/nedpals/davi-card-agent/smartcard"
)

const (
	DefaultTopicPrefix = "davi"
	defaultPort        = 1883
	disconnectQuiesce  = 250 // ms
)

// Config holds MQTT connection settings. An empty Host disables the
// publisher.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	CACert      string `yaml:"ca_cert"`
	ClientCert  string `yaml:"client_cert"`
	ClientKey   string `yaml:"client_key"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Platform is the part of smartcard.Platform the publisher needs.
type Platform interface {
	Subscribe(fn func(smartcard.Event)) (unsubscribe func())
	Interrupt(reason string)
}

// Publisher forwards events as JSON to <prefix>/<device>/<event>.
type Publisher struct {
	client   paho.Client
	platform Platform
	logger   *zap.Logger
	prefix   string
	enabled  bool

	// publish is swapped out in tests.
	publish func(topic string, payload []byte)

	mu          sync.Mutex
	unsubscribe func()
}

// New builds a publisher. It does not connect until Start.
func New(cfg Config, platform Platform, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	p := &Publisher{
		platform: platform,
		logger:   logger.Named("mqtt"),
		prefix:   prefix,
	}

	if cfg.Host == "" {
		p.logger.Info("MQTT disabled (no host configured)")
		p.publish = func(string, []byte) {}
		return p, nil
	}
	p.enabled = true

	var broker string
	var tlsConfig *tls.Config
	if cfg.CACert != "" || cfg.ClientCert != "" {
		port := cfg.Port
		if port == 0 {
			port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, port)
		var err error
		if tlsConfig, err = buildTLSConfig(cfg); err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
	} else {
		port := cfg.Port
		if port == 0 {
			port = defaultPort
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, port)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = buildinfo.Name + "-" + host
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(p.handleConnectionLost).
		SetOnConnectHandler(p.handleConnect)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	p.client = paho.NewClient(opts)
	p.publish = func(topic string, payload []byte) {
		p.client.Publish(topic, 0, false, payload)
	}

	bridgeLoggers(p.logger)
	p.logger.Info("MQTT configured", zap.String("broker", broker), zap.String("clientId", clientID))
	return p, nil
}

func bridgeLoggers(logger *zap.Logger) {
	if l, err := zap.NewStdLogAt(logger, zap.ErrorLevel); err == nil {
		paho.ERROR = l
		paho.CRITICAL = l
	}
	if l, err := zap.NewStdLogAt(logger, zap.WarnLevel); err == nil {
		paho.WARN = l
	}
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool { return p.enabled }

// ControlTopic is where interrupt requests arrive.
func (p *Publisher) ControlTopic() string {
	return p.prefix + "/control/interrupt"
}

// Topic returns the topic an event is published to.
func (p *Publisher) Topic(ev smartcard.Event) string {
	device := topicSegment(ev.Device)
	if device == "" {
		device = "agent"
	}
	return p.prefix + "/" + device + "/" + string(ev.Kind)
}

// topicSegment makes a device id safe as a single topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

type eventMessage struct {
	smartcard.Event
	Agent string `json:"agent"`
}

// Start connects to the broker and begins forwarding events. With no
// broker it only subscribes so that Stop stays symmetric.
func (p *Publisher) Start() error {
	if p.enabled {
		if token := p.client.Connect(); token.Wait() && token.Error() != nil {
			return fmt.Errorf("connect: %w", token.Error())
		}
	}

	unsubscribe := p.platform.Subscribe(p.forward)
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
	return nil
}

// Stop detaches from the platform and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if p.enabled && p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
	}
}

func (p *Publisher) forward(ev smartcard.Event) {
	payload, err := json.Marshal(eventMessage{Event: ev, Agent: buildinfo.Name})
	if err != nil {
		p.logger.Warn("Failed to encode event", zap.Error(err))
		return
	}
	p.publish(p.Topic(ev), payload)
}

func (p *Publisher) handleConnect(client paho.Client) {
	p.logger.Info("MQTT connection established")
	topic := p.ControlTopic()
	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		p.handleControl(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		p.logger.Error("MQTT subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

func (p *Publisher) handleConnectionLost(_ paho.Client, err error) {
	p.logger.Warn("MQTT connection lost", zap.Error(err))
}

// handleControl interrupts every acquired device. The payload, if any,
// is used as the reason.
func (p *Publisher) handleControl(payload []byte) {
	reason := strings.TrimSpace(string(payload))
	if reason == "" {
		reason = "mqtt interrupt"
	}
	p.logger.Info("Interrupt requested over MQTT", zap.String("reason", reason))
	p.platform.Interrupt(reason)
}
