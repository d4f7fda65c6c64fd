// Package telemetry publishes server telemetry to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/config"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/server"
	"github.com/voxeld-project/voxeld/internal/util"
)

// Topics below the configured prefix.
const (
	TopicStatus   = "server/status"
	TopicSessions = "server/sessions"
	TopicPlayers  = "server/players"
	TopicLag      = "server/lag"
	TopicAdmin    = "server/admin"
)

// ErrDisabled is returned by NewPublisher when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// StatusFunc reports the current server status.
type StatusFunc func() server.Info

// Publisher forwards bus events and periodic status to MQTT.
type Publisher struct {
	cfg      config.MQTTConfig
	interval time.Duration
	bus      *events.EventBus
	status   StatusFunc
	client   mqtt.Client

	// metadata is added to every message.
	metadata map[string]interface{}
	logger   zerolog.Logger
}

// NewPublisher configures an MQTT client from cfg. It does not connect.
func NewPublisher(cfg *config.Config, bus *events.EventBus, status StatusFunc, version string) (*Publisher, error) {
	mqttCfg := cfg.GetMQTT()
	timers := cfg.GetTimers()

	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	p := &Publisher{
		cfg:      mqttCfg,
		interval: time.Duration(max(timers.StatusInterval, 1)) * time.Second,
		bus:      bus,
		status:   status,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.OS,
			"cpu_cores":   sysInfo.CPUCores,
			"app_version": version,
		},
		logger: log.With().Str("component", "mqtt").Logger(),
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID("voxeld-" + sysInfo.Hostname)
	}
	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
		opts.SetPassword(mqttCfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Start connects, subscribes to the bus and publishes status until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	p.logger.Info().Str("broker", p.cfg.BrokerURL).Int("port", p.cfg.Port).Msg("connecting to MQTT broker")

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}
	p.subscribe()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.publish(TopicAdmin, map[string]interface{}{"event": "shutdown"})
			p.client.Disconnect(5000)
			p.logger.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			if p.status != nil {
				p.publish(TopicStatus, p.status())
			}
		}
	}
}

func (p *Publisher) subscribe() {
	forward := func(topic, name string) events.HandlerFunc {
		return func(_ context.Context, ev events.Event) error {
			p.publish(topic, map[string]interface{}{"event": name, "data": ev.Payload})
			return nil
		}
	}
	p.bus.Subscribe(events.EventPeerConnected, "mqtt.peerConnected", forward(TopicSessions, "connected"))
	p.bus.Subscribe(events.EventPeerDisconnected, "mqtt.peerDisconnected", forward(TopicSessions, "disconnected"))
	p.bus.Subscribe(events.EventMapTransferCompleted, "mqtt.mapTransfer", forward(TopicSessions, "map_transfer"))
	p.bus.Subscribe(events.EventPlayerJoined, "mqtt.playerJoined", forward(TopicPlayers, "joined"))
	p.bus.Subscribe(events.EventPlayerLeft, "mqtt.playerLeft", forward(TopicPlayers, "left"))
	p.bus.Subscribe(events.EventLongTick, "mqtt.longTick", forward(TopicLag, "long_tick"))
	p.bus.Subscribe(events.EventKick, "mqtt.kick", forward(TopicAdmin, "kick"))
	p.bus.Subscribe(events.EventNotify, "mqtt.notify", forward(TopicAdmin, "notify"))
}

// publish sends payload to topic with QoS 1. Messages are dropped while the
// broker is unreachable.
func (p *Publisher) publish(topic string, payload interface{}) {
	if !p.client.IsConnected() {
		return
	}
	full := Topic(p.cfg.TopicPrefix, topic)
	data, err := json.Marshal(buildMessage(p.metadata, payload, time.Now()))
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", full).Msg("failed to marshal MQTT message")
		return
	}

	token := p.client.Publish(full, 1, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", full).Msg("MQTT publish failed")
		}
	}()
}

// Topic joins prefix and topic.
func Topic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

func buildMessage(metadata map[string]interface{}, payload interface{}, now time.Time) map[string]interface{} {
	msg := make(map[string]interface{}, len(metadata)+2)
	maps.Copy(msg, metadata)
	msg["payload"] = payload
	msg["timestamp"] = now.UTC().Format(time.RFC3339)
	return msg
}
