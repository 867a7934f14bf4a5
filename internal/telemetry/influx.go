// Package telemetry writes bus and tunnel activity to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"knx-gateway/internal/gateway"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

var (
	ErrDisabled         = errors.New("telemetry: disabled in configuration")
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)

// Config mirrors the influxdb section of the configuration file.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`     // default 100
	FlushInterval int    `yaml:"flush_interval"` // seconds, default 10
}

// Influx batches points through the non-blocking write API.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Connect creates the client and checks the server is reachable.
func Connect(cfg Config, logger *slog.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	in := &Influx{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With("component", "telemetry"),
	}
	go in.handleWriteErrors(in.writeAPI.Errors())
	in.logger.Info("connected to influxdb", "url", cfg.URL, "bucket", cfg.Bucket)
	return in, nil
}

func (in *Influx) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		in.logger.Warn("influxdb write failed", "err", err)
	}
}

// Subscribe writes a point for every telegram and channel event on eb.
func (in *Influx) Subscribe(eb *gateway.EventBus) func() {
	return eb.OnAll(in.HandleEvent)
}

// HandleEvent converts one gateway event into a point. Other event types
// are ignored.
func (in *Influx) HandleEvent(e gateway.Event) {
	var p *write.Point
	switch d := e.Data.(type) {
	case gateway.TelegramEvent:
		p = TelegramPoint(e.Type, d)
	case gateway.ChannelEvent:
		p = ChannelPoint(e.Type, d, time.Now())
	default:
		return
	}
	in.write(p)
}

func (in *Influx) write(p *write.Point) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return
	}
	in.writeAPI.WritePoint(p)
}

// TelegramPoint builds a knx_telegram point. Received telegrams are tagged
// direction=rx, transmitted ones direction=tx with their bus result.
func TelegramPoint(eventType string, te gateway.TelegramEvent) *write.Point {
	tags := map[string]string{
		"source":      te.Source,
		"destination": te.Destination,
		"command":     te.Command,
		"priority":    te.Priority,
		"direction":   "rx",
	}
	if eventType == gateway.EventBusSent {
		tags["direction"] = "tx"
		tags["result"] = te.Result
	}
	fields := map[string]any{
		"data":  te.Data,
		"count": 1,
	}
	if te.Channel != 0 {
		fields["channel"] = int(te.Channel)
	}
	return write.NewPoint("knx_telegram", tags, fields, te.Time)
}

// ChannelPoint builds a knx_tunnel point for a channel lifecycle event.
func ChannelPoint(eventType string, ce gateway.ChannelEvent, now time.Time) *write.Point {
	tags := map[string]string{
		"event": eventType,
		"type":  ce.Channel.Type.String(),
	}
	fields := map[string]any{
		"channel":  int(ce.Channel.ID),
		"endpoint": ce.Channel.Endpoint,
	}
	if ce.Reason != "" {
		fields["reason"] = ce.Reason
	}
	if !ce.Channel.Connected.IsZero() && eventType != gateway.EventTunnelConnected {
		fields["duration_s"] = now.Sub(ce.Channel.Connected).Seconds()
	}
	return write.NewPoint("knx_tunnel", tags, fields, now)
}

// Close flushes pending points and closes the client.
func (in *Influx) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.mu.Unlock()
	in.writeAPI.Flush()
	in.client.Close()
}
