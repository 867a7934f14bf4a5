//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Gateway is the part of the gateway the bridge drives.
type Gateway interface {
	Events() *gateway.EventBus
	Identity() gateway.Identity
	Channels() []tunnel.Channel
	Features() tunnel.Features
	GroupWrite(ctx context.Context, ga telegram.GroupAddr, data []byte) error
	GroupRead(ctx context.Context, ga telegram.GroupAddr) error
}

var errBadValue = errors.New("mqtt: invalid value")

// Bridge mirrors bus telegrams to MQTT and injects group writes and reads
// published under <prefix>/write and <prefix>/read.
type Bridge struct {
	client pahomqtt.Client
	gw     Gateway
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(gw, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID(gw.Identity())).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishStatus()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

func newBridge(gw Gateway, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		gw:     gw,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to gateway events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// clientID derives a stable MQTT client id from the device serial.
func clientID(id gateway.Identity) string {
	return "knx-gateway-" + hex.EncodeToString(id.Serial[:])
}

func (b *Bridge) topic(suffix string) string { return b.prefix + "/" + suffix }

func (b *Bridge) handleEvent(event gateway.Event) {
	switch event.Type {
	case gateway.EventBusTelegram, gateway.EventBusSent:
		te, ok := event.Data.(gateway.TelegramEvent)
		if !ok {
			return
		}
		b.publish(b.topic(telegramTopic(te)), mustJSON(te), false)
	case gateway.EventTunnelConnected, gateway.EventTunnelDisconnected, gateway.EventTunnelTimeout,
		gateway.EventTunnelFeatures, gateway.EventBusReset:
		b.publishStatus()
	}
}

// telegramTopic is telegram/<destination>; group destinations expand to
// three topic levels.
func telegramTopic(te gateway.TelegramEvent) string {
	return "telegram/" + te.Destination
}

// bridgeStatus is the retained <prefix>/bridge/status payload.
type bridgeStatus struct {
	BusConnected bool             `json:"bus_connected"`
	Tunnels      int              `json:"tunnels"`
	Channels     []tunnel.Channel `json:"channels"`
}

func (b *Bridge) status() bridgeStatus {
	chans := b.gw.Channels()
	st := bridgeStatus{BusConnected: b.gw.Features().BusConnected, Channels: chans}
	for _, ch := range chans {
		if ch.Tunnel() {
			st.Tunnels++
		}
	}
	if st.Channels == nil {
		st.Channels = []tunnel.Channel{}
	}
	return st
}

func (b *Bridge) publishStatus() {
	b.publish(b.topic("bridge/status"), mustJSON(b.status()), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("bridge/state"), []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.gw.Identity(), b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "name", b.gw.Identity().FriendlyName)
}

func (b *Bridge) subscribeCommands() {
	for _, topic := range []string{b.topic("write/#"), b.topic("read/#")} {
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(msg.Topic(), msg.Payload())
		})
	}
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	op, ga, err := parseCommandTopic(b.prefix, topic)
	if err != nil {
		b.logger.Warn("invalid command topic", "topic", topic, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	switch op {
	case "write":
		data, err := parseValue(payload)
		if err != nil {
			b.logger.Warn("invalid write payload", "group", ga.String(), "payload", string(payload), "err", err)
			return
		}
		if err := b.gw.GroupWrite(ctx, ga, data); err != nil {
			b.logger.Warn("group write failed", "group", ga.String(), "err", err)
		}
	case "read":
		if err := b.gw.GroupRead(ctx, ga); err != nil {
			b.logger.Warn("group read failed", "group", ga.String(), "err", err)
		}
	}
}

// parseCommandTopic splits <prefix>/<op>/<main>/<middle>/<sub> into the
// operation and group address.
func parseCommandTopic(prefix, topic string) (string, telegram.GroupAddr, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", 0, fmt.Errorf("topic outside prefix %q", prefix)
	}
	op, addr, ok := strings.Cut(rest, "/")
	if !ok || (op != "write" && op != "read") {
		return "", 0, fmt.Errorf("unknown command %q", op)
	}
	ga, err := telegram.ParseGroupAddr(addr)
	if err != nil {
		return "", 0, err
	}
	return op, ga, nil
}

// parseValue accepts hex bytes ("0C1A", "0x01", "0c 1a") or the switch
// words on/off/true/false.
func parseValue(payload []byte) ([]byte, error) {
	s := strings.ToLower(strings.TrimSpace(string(payload)))
	switch s {
	case "on", "true":
		return []byte{1}, nil
	case "off", "false":
		return []byte{0}, nil
	case "":
		return nil, errBadValue
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.Join(strings.Fields(s), "")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadValue, err)
	}
	if len(data) > 14 {
		return nil, fmt.Errorf("%w: %d bytes exceeds 14", errBadValue, len(data))
	}
	return data, nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
