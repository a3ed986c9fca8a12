package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/bergerjacob/llm-home-assistant/internal/buildinfo"
	"github.com/bergerjacob/llm-home-assistant/internal/config"
	"github.com/bergerjacob/llm-home-assistant/internal/homeassistant"
)

// Sensor entity suffixes.
const (
	sensorResponse     = "response"
	sensorStatus       = "status"
	sensorTokensToday  = "tokens_today"
	sensorCacheHitRate = "prompt_cache_hit_rate"
	sensorLastRequest  = "last_request"
	sensorVersion      = "version"
)

// Publisher owns the MQTT connection. It publishes discovery configs
// on (re-)connect, pushes the response sensor on demand and refreshes
// the remaining sensors on a timer.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	logger     *slog.Logger

	limiter *commandWindow

	mu          sync.Mutex
	cm          *autopaho.ConnectionManager
	handler     CommandHandler
	status      string
	lastRequest time.Time
	lastText    string
}

// New creates a Publisher but does not connect. tokens may be nil.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandRateLimit <= 0 {
		cfg.CommandRateLimit = 30
	}
	if cfg.PublishIntervalSec <= 0 {
		cfg.PublishIntervalSec = 60
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		logger:     logger,
		limiter:    newCommandWindow(cfg.CommandRateLimit, time.Minute, logger),
		status:     "idle",
	}
}

// SetCommandHandler installs the handler for the command topic. Call
// before Start.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Device returns the device block shared by all sensors.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the broker and runs the periodic publish loop until
// ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := p.clientConfig(ctx, brokerURL)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// clientConfig builds the autopaho configuration. Every (re)connect
// republishes discovery and availability and resubscribes the command
// topic, since the broker session is not kept.
func (p *Publisher) clientConfig(ctx context.Context, broker *url.URL) autopaho.ClientConfig {
	onUp := func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
		p.logger.Info("mqtt connected to broker", "broker", broker.Redacted())
		p.publishDiscovery(ctx, cm)
		p.publish(ctx, cm, p.availabilityTopic(), []byte("online"), 1, true)
		p.subscribeCommands(ctx, cm)
	}
	onReceive := func(pr paho.PublishReceived) (bool, error) {
		return p.onPublish(ctx, pr.Packet), nil
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               p.cfg.Username,
		ConnectPassword:               []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: onUp,
		OnConnectError: func(err error) { p.logger.Warn("mqtt connection error", "error", err) },
		ClientConfig: paho.ClientConfig{
			ClientID:          "llmha-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){onReceive},
		},
	}
	switch broker.Scheme {
	case "mqtts", "ssl", "tls":
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, p.availabilityTopic(), []byte("offline"), 1, true)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// ShowResponse publishes text to the response sensor. The state is
// capped like an HA entity state; the full text goes to the attributes
// topic.
func (p *Publisher) ShowResponse(ctx context.Context, text string) error {
	p.mu.Lock()
	p.lastText = text
	p.lastRequest = time.Now()
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	state, attrs := homeassistant.ResponseState(text)
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal response attributes: %w", err)
	}
	if err := p.publish(ctx, cm, p.attributesTopic(sensorResponse), payload, 1, true); err != nil {
		return err
	}
	return p.publish(ctx, cm, p.stateTopic(sensorResponse), []byte(state), 1, true)
}

// SetStatus records the pipeline state shown on the status sensor and
// publishes it when connected.
func (p *Publisher) SetStatus(ctx context.Context, status string) {
	p.mu.Lock()
	p.status = status
	cm := p.cm
	p.mu.Unlock()
	if cm != nil {
		_ = p.publish(ctx, cm, p.stateTopic(sensorStatus), []byte(status), 0, true)
	}
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "llmha/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	response := p.sensor(sensorResponse, homeassistant.ResponseSensorName, "mdi:robot")
	response.JsonAttributesTopic = p.attributesTopic(sensorResponse)

	tokens := p.sensor(sensorTokensToday, "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"
	tokens.JsonAttributesTopic = p.attributesTopic(sensorTokensToday)

	hitRate := p.sensor(sensorCacheHitRate, "Prompt Cache Hit Rate", "mdi:percent")
	hitRate.StateClass = "measurement"
	hitRate.UnitOfMeasurement = "%"

	status := p.sensor(sensorStatus, "Status", "mdi:state-machine")

	lastRequest := p.sensor(sensorLastRequest, "Last Request", "mdi:clock-check")
	lastRequest.EntityCategory = "diagnostic"

	version := p.sensor(sensorVersion, "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{sensorResponse, response},
		{sensorStatus, status},
		{sensorTokensToday, tokens},
		{sensorCacheHitRate, hitRate},
		{sensorLastRequest, lastRequest},
		{sensorVersion, version},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		if err := p.publish(ctx, cm, topic, payload, 1, true); err == nil {
			p.logger.Debug("mqtt discovery published", "entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte, retain bool) error {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// sensorStates renders the periodic sensor values.
func (p *Publisher) sensorStates() map[string]string {
	p.mu.Lock()
	status, lastReq := p.status, p.lastRequest
	p.mu.Unlock()

	states := map[string]string{
		sensorStatus:      status,
		sensorVersion:     buildinfo.Version,
		sensorLastRequest: "never",
	}
	if !lastReq.IsZero() {
		states[sensorLastRequest] = lastReq.Format(time.RFC3339)
	}
	if p.tokens != nil {
		totals := p.tokens.Snapshot()
		states[sensorTokensToday] = strconv.FormatInt(totals.Input+totals.Output, 10)
		states[sensorCacheHitRate] = strconv.FormatFloat(totals.CacheHitRate(), 'f', 1, 64)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	states := p.sensorStates()
	for entity, value := range states {
		_ = p.publish(ctx, cm, p.stateTopic(entity), []byte(value), 0, true)
	}
	if p.tokens != nil {
		totals := p.tokens.Snapshot()
		attrs, _ := json.Marshal(map[string]int64{
			"input_tokens":  totals.Input,
			"output_tokens": totals.Output,
			"cached_tokens": totals.Cached,
			"requests":      totals.Requests,
		})
		_ = p.publish(ctx, cm, p.attributesTopic(sensorTokensToday), attrs, 0, true)
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
