package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/orchestrator"
)

type staticHealth struct{ h orchestrator.Health }

func (s staticHealth) Health() orchestrator.Health { return s.h }

func TestHealthz(t *testing.T) {
	cases := []struct {
		name   string
		health orchestrator.Health
		want   int
	}{
		{"running", orchestrator.Health{State: "running", Healthy: true}, http.StatusOK},
		{"draining", orchestrator.Health{State: "draining"}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{Health: staticHealth{tc.health}})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["state"] != tc.health.State {
				t.Fatalf("state = %v, want %s", body["state"], tc.health.State)
			}
		})
	}
}

func TestStatusReturnsSnapshot(t *testing.T) {
	s := New(Config{Health: staticHealth{orchestrator.Health{
		State: "running", Healthy: true, QueueDepth: 7, WorkerCount: 5, ActiveWorkers: 3,
	}}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var got orchestrator.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.QueueDepth != 7 || got.WorkerCount != 5 || got.ActiveWorkers != 3 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestEventsWithoutBus(t *testing.T) {
	s := New(Config{Health: staticHealth{}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestEventsStreamsBusTraffic(t *testing.T) {
	b := bus.New()
	s := New(Config{Health: staticHealth{}, Bus: b})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?prefix=query.", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.TopicSchemaRefreshed, bus.SchemaRefreshed{Tables: 2})
	b.Publish(bus.TopicQueryDropped, bus.QueryDropped{MessageID: "m1", Source: "ad_hoc", Reason: "queue_full"})

	sc := bufio.NewScanner(resp.Body)
	var idLine, eventLine, dataLine string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "id: ") {
			idLine = strings.TrimPrefix(line, "id: ")
		}
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventLine != bus.TopicQueryDropped {
		t.Fatalf("event = %q, want %q", eventLine, bus.TopicQueryDropped)
	}
	// schema.refreshed took sequence 1 even though this stream skipped it.
	if idLine != "2" {
		t.Fatalf("id = %q, want 2", idLine)
	}
	var ev struct {
		Seq     uint64
		Topic   string
		Payload bus.QueryDropped
	}
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ev.Seq != 2 || ev.Payload.MessageID != "m1" || ev.Payload.Reason != "queue_full" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventsMultiplePrefixes(t *testing.T) {
	b := bus.New()
	s := New(Config{Health: staticHealth{}, Bus: b})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?prefix=steady.,%20schema.", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.TopicQueryFinished, bus.QueryFinished{MessageID: "m1"})
	b.Publish(bus.TopicSteadyCycle, bus.SteadyCycle{Cycle: 1, Queries: 2})
	b.Publish(bus.TopicSchemaRefreshed, bus.SchemaRefreshed{Tables: 4})

	var topics []string
	sc := bufio.NewScanner(resp.Body)
	for len(topics) < 2 && sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			topics = append(topics, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(topics) != 2 || topics[0] != bus.TopicSteadyCycle || topics[1] != bus.TopicSchemaRefreshed {
		t.Fatalf("topics = %v", topics)
	}
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	b := bus.New()
	s := New(Config{Addr: "127.0.0.1:0", Health: staticHealth{}, Bus: b})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown with an open stream: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown waited %s on the event stream", elapsed)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("stream subscription leaked, subscribers = %d", n)
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Health: staticHealth{orchestrator.Health{Healthy: true}}})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
