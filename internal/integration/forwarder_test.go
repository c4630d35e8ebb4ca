package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ascendore/ascendore-crm/internal/config"
	"github.com/ascendore/ascendore-crm/internal/models"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: f.err}
}

func testActivity() *models.Activity {
	return &models.Activity{
		ID:             uuid.New(),
		OrganizationID: uuid.MustParse("6f1c2a3e-0000-4000-8000-000000000001"),
		UserID:         uuid.New(),
		Type:           models.ActivityLogin,
		EntityType:     "user",
		Description:    "user logged in",
	}
}

func TestTopic(t *testing.T) {
	a := testActivity()
	got := Topic("crm/{organization_id}/activity/{activity_type}", a)
	want := "crm/6f1c2a3e-0000-4000-8000-000000000001/activity/login"
	if got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}

	if got := Topic("crm/{entity_type}", a); got != "crm/user" {
		t.Errorf("Topic() = %q", got)
	}
}

func TestForwardToWebhook(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewForwarderService(nil, config.IntegrationConfig{
		Webhook: config.WebhookConfig{
			Enabled:  true,
			Endpoint: srv.URL,
			Headers:  map[string]string{"X-Webhook-Token": "abc"},
		},
	})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	a := testActivity()
	if err := f.Forward(context.Background(), a); err != nil {
		t.Fatalf("forward: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if headers.Get("X-Webhook-Token") != "abc" || headers.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected headers %v", headers)
	}

	var got struct {
		Event     string          `json:"event"`
		Activity  models.Activity `json:"activity"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Event != "activity" || got.Activity.ID != a.ID || !got.Timestamp.Equal(fixed) {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestForwardWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewForwarderService(nil, config.IntegrationConfig{
		Webhook: config.WebhookConfig{Enabled: true, Endpoint: srv.URL},
	})
	if err := f.Forward(context.Background(), testActivity()); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestForwardToMQTT(t *testing.T) {
	f := NewForwarderService(nil, config.IntegrationConfig{
		MQTT: config.MQTTConfig{
			Enabled:      true,
			TopicPattern: "crm/{organization_id}/{activity_type}",
			QoS:          1,
		},
	})

	a := testActivity()
	if err := f.Forward(context.Background(), a); err == nil {
		t.Fatal("expected error before the client is connected")
	}

	client := &fakeMQTT{}
	f.setMQTT(client)
	if err := f.Forward(context.Background(), a); err != nil {
		t.Fatalf("forward: %v", err)
	}

	if len(client.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.msgs))
	}
	msg := client.msgs[0]
	if msg.topic != "crm/"+a.OrganizationID.String()+"/login" || msg.qos != 1 {
		t.Errorf("unexpected publish %s qos %d", msg.topic, msg.qos)
	}

	client.err = errors.New("broker gone")
	if err := f.Forward(context.Background(), a); err == nil {
		t.Error("expected publish error")
	}
}

func TestEnabled(t *testing.T) {
	if NewForwarderService(nil, config.IntegrationConfig{}).Enabled() {
		t.Error("expected disabled forwarder")
	}
	if !NewForwarderService(nil, config.IntegrationConfig{Webhook: config.WebhookConfig{Enabled: true}}).Enabled() {
		t.Error("expected enabled forwarder")
	}
}
