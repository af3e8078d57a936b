package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
)

type delivery struct {
	event     string
	signature string
	payload   map[string]json.RawMessage
}

type receiver struct {
	mu    sync.Mutex
	got   []delivery
	codes []int
	calls int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := atomic.AddInt32(&r.calls, 1)
	body, _ := io.ReadAll(req.Body)
	var p map[string]json.RawMessage
	_ = json.Unmarshal(body, &p)

	r.mu.Lock()
	r.got = append(r.got, delivery{
		event:     req.Header.Get("X-Webhook-Event"),
		signature: req.Header.Get("X-Webhook-Signature"),
		payload:   p,
	})
	code := http.StatusOK
	if int(n) <= len(r.codes) {
		code = r.codes[n-1]
	}
	r.mu.Unlock()
	w.WriteHeader(code)
}

func (r *receiver) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func startSender(t *testing.T, hooks []config.WebhookConfig) *Sender {
	t.Helper()
	s := NewSender(hooks, Options{RetryCount: 3, RetryDelay: 10 * time.Millisecond, Timeout: time.Second})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func jobEvent(typ core.EventType, to core.RecipientType) core.Event {
	return core.Event{
		Type:          typ,
		RecipientType: to,
		RecipientID:   "shop1",
		JobID:         "j1",
		Status:        core.JobStatusCompleted,
		Timestamp:     time.Now(),
	}
}

func TestSender_DeliversSignedEvent(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	s := startSender(t, []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}})
	s.Publish(context.Background(), jobEvent(core.EventJobUpdated, core.RecipientShopkeeper))

	require.Eventually(t, func() bool { return len(rcv.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	d := rcv.deliveries()[0]
	assert.Equal(t, "job_updated", d.event)
	assert.Equal(t, Sign(d.payload["data"], "s3cret"), d.signature)

	var data core.Event
	require.NoError(t, json.Unmarshal(d.payload["data"], &data))
	assert.Equal(t, "j1", data.JobID)
}

func TestSender_FiltersByEventAndRecipient(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	s := startSender(t, []config.WebhookConfig{{
		URL:        srv.URL,
		Events:     []string{"notification"},
		Recipients: []string{"user"},
	}})
	s.Publish(context.Background(), jobEvent(core.EventJobUpdated, core.RecipientUser))
	s.Publish(context.Background(), jobEvent(core.EventNotification, core.RecipientShopkeeper))
	s.Publish(context.Background(), jobEvent(core.EventNotification, core.RecipientUser))

	require.Eventually(t, func() bool { return len(rcv.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rcv.deliveries(), 1)
	assert.Equal(t, "notification", rcv.deliveries()[0].event)
}

func TestSender_RetriesServerErrors(t *testing.T) {
	rcv := &receiver{codes: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	s := startSender(t, []config.WebhookConfig{{URL: srv.URL}})
	s.Publish(context.Background(), jobEvent(core.EventJobUpdated, core.RecipientShopkeeper))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&rcv.calls) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSender_DoesNotRetryClientErrors(t *testing.T) {
	rcv := &receiver{codes: []int{http.StatusGone}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	s := startSender(t, []config.WebhookConfig{{URL: srv.URL}})
	s.Publish(context.Background(), jobEvent(core.EventJobUpdated, core.RecipientShopkeeper))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&rcv.calls) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rcv.calls))
}

func TestSender_StopIsIdempotent(t *testing.T) {
	s := NewSender(nil, Options{})
	s.Start()
	s.Stop()
	s.Stop()
}

func TestSender_TestDeliversSynchronously(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	s := NewSender([]config.WebhookConfig{{URL: srv.URL, Secret: "k", Events: []string{"job_created"}}}, Options{})
	require.NoError(t, s.Test(context.Background(), 0))

	got := rcv.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "notification", got[0].event)
	assert.Equal(t, Sign(got[0].payload["data"], "k"), got[0].signature)

	assert.ErrorIs(t, s.Test(context.Background(), 3), ErrUnknownHook)
	assert.Len(t, s.Hooks(), 1)
}

func TestSender_TestReportsStatus(t *testing.T) {
	rcv := &receiver{codes: []int{http.StatusInternalServerError}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	s := NewSender([]config.WebhookConfig{{URL: srv.URL}}, Options{})
	err := s.Test(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
