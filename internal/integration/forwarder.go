package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/config"
	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/server"
)

const (
	forwardTimeout = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// mqttPublisher is the part of mqtt.Client the forwarder publishes through
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ForwarderService forwards activity events from NATS to a webhook and an
// MQTT broker.
type ForwarderService struct {
	nc  *nats.Conn
	cfg config.IntegrationConfig

	httpClient *http.Client

	mu   sync.RWMutex
	mqtt mqttPublisher

	inflight sync.WaitGroup
	now      func() time.Time
}

// NewForwarderService creates the forwarder
func NewForwarderService(nc *nats.Conn, cfg config.IntegrationConfig) *ForwarderService {
	timeout := cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = forwardTimeout
	}
	return &ForwarderService{
		nc:         nc,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Enabled reports whether any destination is configured
func (s *ForwarderService) Enabled() bool {
	return s.cfg.Webhook.Enabled || s.cfg.MQTT.Enabled
}

// Start subscribes to activity subjects and blocks until ctx is done
func (s *ForwarderService) Start(ctx context.Context) error {
	var client mqtt.Client
	if s.cfg.MQTT.Enabled {
		c, err := s.connectMQTT()
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect MQTT client, MQTT forwarding disabled")
		} else {
			client = c
			s.setMQTT(c)
		}
	}

	sub, err := s.nc.Subscribe(server.ActivitySubjectPrefix+".>", s.handleActivity)
	if err != nil {
		return fmt.Errorf("subscribe activities: %w", err)
	}

	log.Info().
		Bool("webhook", s.cfg.Webhook.Enabled).
		Bool("mqtt", client != nil).
		Msg("Integration forwarder service started")

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("Failed to unsubscribe forwarder")
	}
	s.inflight.Wait()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}

	return nil
}

func (s *ForwarderService) handleActivity(msg *nats.Msg) {
	activity, err := server.DecodeActivity(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed activity")
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		if err := s.Forward(ctx, activity); err != nil {
			log.Error().
				Err(err).
				Str("activity", string(activity.Type)).
				Str("tenant_id", activity.OrganizationID.String()).
				Msg("Failed to forward activity")
		}
	}()
}

// Forward delivers one activity to every enabled destination
func (s *ForwarderService) Forward(ctx context.Context, activity *models.Activity) error {
	data, err := json.Marshal(forwardPayload{
		Event:     "activity",
		Activity:  activity,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode forward payload: %w", err)
	}

	var errs []error
	if s.cfg.Webhook.Enabled {
		if err := s.forwardToHTTP(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.MQTT.Enabled {
		if err := s.forwardToMQTT(activity, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forwardToHTTP posts the payload to the webhook endpoint
func (s *ForwarderService) forwardToHTTP(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Webhook.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", s.cfg.Webhook.Endpoint).
		Int("status", resp.StatusCode).
		Msg("Activity forwarded to HTTP")
	return nil
}

// forwardToMQTT publishes the payload on the activity's topic
func (s *ForwarderService) forwardToMQTT(activity *models.Activity, data []byte) error {
	s.mu.RLock()
	client := s.mqtt
	s.mu.RUnlock()
	if client == nil {
		return errors.New("mqtt client not connected")
	}

	topic := Topic(s.cfg.MQTT.TopicPattern, activity)
	token := client.Publish(topic, s.cfg.MQTT.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Msg("Activity forwarded to MQTT")
	return nil
}

func (s *ForwarderService) setMQTT(p mqttPublisher) {
	s.mu.Lock()
	s.mqtt = p
	s.mu.Unlock()
}

// connectMQTT creates and connects the broker client
func (s *ForwarderService) connectMQTT() (mqtt.Client, error) {
	cfg := s.cfg.MQTT

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

// Topic fills the {organization_id} and {activity_type} placeholders
func Topic(pattern string, activity *models.Activity) string {
	r := strings.NewReplacer(
		"{organization_id}", activity.OrganizationID.String(),
		"{activity_type}", string(activity.Type),
		"{entity_type}", activity.EntityType,
	)
	return r.Replace(pattern)
}

type forwardPayload struct {
	Event     string           `json:"event"`
	Activity  *models.Activity `json:"activity"`
	Timestamp time.Time        `json:"timestamp"`
}
