package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Velora-App/ota_layer/internal/app/domain/bundle"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	e := Event{
		Type:      EventBundleLoaded,
		SessionID: "session-1",
		Message:   "test message",
	}

	rb.Log(e)

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}

	if recent[0].SessionID != "session-1" {
		t.Errorf("SessionID = %q, want 'session-1'", recent[0].SessionID)
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)

	// Fill beyond capacity
	for i := 0; i < 10; i++ {
		rb.Log(Event{
			Type:    EventBundleAvailable,
			Message: string(rune('A' + i)),
		})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (capped)", rb.Count())
	}

	recent := rb.Recent(5)
	// Should have F, G, H, I, J (most recent)
	if len(recent) != 5 {
		t.Fatalf("Recent(5) len = %d, want 5", len(recent))
	}

	// Most recent first
	if recent[0].Message != "J" {
		t.Errorf("Most recent message = %q, want 'J'", recent[0].Message)
	}
	if recent[4].Message != "F" {
		t.Errorf("Oldest message = %q, want 'F'", recent[4].Message)
	}
}

func TestRingBuffer_Recent(t *testing.T) {
	rb := NewRingBuffer(10)

	for i := 0; i < 5; i++ {
		rb.Log(Event{Type: EventBundleAvailable, Message: string(rune('A' + i))})
	}

	t.Run("request more than available", func(t *testing.T) {
		recent := rb.Recent(100)
		if len(recent) != 5 {
			t.Errorf("len = %d, want 5", len(recent))
		}
	})

	t.Run("request zero", func(t *testing.T) {
		recent := rb.Recent(0)
		if recent != nil {
			t.Error("Recent(0) should return nil")
		}
	})

	t.Run("request negative", func(t *testing.T) {
		recent := rb.Recent(-1)
		if recent != nil {
			t.Error("Recent(-1) should return nil")
		}
	})
}

func TestRingBuffer_RecentBySession(t *testing.T) {
	rb := NewRingBuffer(100)

	rb.Log(Event{Type: EventBundleAvailable, SessionID: "session-a"})
	rb.Log(Event{Type: EventBundleAvailable, SessionID: "session-b"})
	rb.Log(Event{Type: EventBundleLoaded, SessionID: "session-a"})
	rb.Log(Event{Type: EventBundleLoaded, SessionID: "session-b"})
	rb.Log(Event{Type: EventBundleExecuted, SessionID: "session-a"})

	recent := rb.RecentBySession("session-a", 10)
	if len(recent) != 3 {
		t.Errorf("len = %d, want 3", len(recent))
	}

	for _, e := range recent {
		if e.SessionID != "session-a" {
			t.Errorf("SessionID = %q, want 'session-a'", e.SessionID)
		}
	}
}

func TestRingBuffer_RecentByType(t *testing.T) {
	rb := NewRingBuffer(100)

	rb.Log(Event{Type: EventBundleAvailable, SessionID: "a"})
	rb.Log(Event{Type: EventBundleLoaded, SessionID: "a"})
	rb.Log(Event{Type: EventBundleAvailable, SessionID: "b"})
	rb.Log(Event{Type: EventSessionCleared, SessionID: "a"})

	recent := rb.RecentByType(EventBundleAvailable, 10)
	if len(recent) != 2 {
		t.Errorf("len = %d, want 2", len(recent))
	}

	for _, e := range recent {
		if e.Type != EventBundleAvailable {
			t.Errorf("Type = %v, want EventBundleAvailable", e.Type)
		}
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var received []Event
	var mu sync.Mutex

	unsubscribe := rb.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	rb.Log(Event{Type: EventBundleAvailable, SessionID: "test"})
	rb.Log(Event{Type: EventBundleLoaded, SessionID: "test"})

	// Give handlers time to run
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events, want 2", len(received))
	}
	mu.Unlock()

	// Unsubscribe
	unsubscribe()

	rb.Log(Event{Type: EventSessionCleared, SessionID: "test"})
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events after unsubscribe, want 2", len(received))
	}
	mu.Unlock()
}

func TestRingBuffer_SubscribeFiltered(t *testing.T) {
	rb := NewRingBuffer(10)

	var received []Event
	var mu sync.Mutex

	rb.SubscribeFiltered(TypeFilter(EventBundleAvailable), func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	rb.Log(Event{Type: EventBundleAvailable, SessionID: "a"})
	rb.Log(Event{Type: EventBundleLoaded, SessionID: "a"})
	rb.Log(Event{Type: EventBundleAvailable, SessionID: "b"})

	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events, want 2 (only EventBundleAvailable)", len(received))
	}
	mu.Unlock()
}

func TestRingBuffer_HandlerPanicIsolated(t *testing.T) {
	rb := NewRingBuffer(10)

	var laterCalls atomic.Int64

	rb.Subscribe(func(e Event) {
		panic("listener failure")
	})
	rb.Subscribe(func(e Event) {
		laterCalls.Add(1)
	})

	// Must not panic the emitter and must still reach the second handler.
	rb.Log(Event{Type: EventBundleExecuted, SessionID: "s1"})

	if laterCalls.Load() != 1 {
		t.Errorf("later handler calls = %d, want 1", laterCalls.Load())
	}
	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}
}

func TestRingBuffer_SourceNotRetained(t *testing.T) {
	rb := NewRingBuffer(10)

	var handlerSource string
	rb.Subscribe(func(e Event) {
		handlerSource = e.Source
	})

	rb.Log(Event{Type: EventBundleLoaded, Source: "const a = 1;"})

	if handlerSource != "const a = 1;" {
		t.Errorf("handler source = %q, want the bundle text", handlerSource)
	}
	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatal("expected 1 retained event")
	}
	if recent[0].Source != "" {
		t.Error("retained event should not keep bundle source text")
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{Type: EventBundleAvailable})
	rb.Log(Event{Type: EventBundleLoaded})

	if rb.Count() != 2 {
		t.Errorf("Count() before clear = %d, want 2", rb.Count())
	}

	rb.Clear()

	if rb.Count() != 0 {
		t.Errorf("Count() after clear = %d, want 0", rb.Count())
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(1000)

	var wg sync.WaitGroup
	var receivedCount atomic.Int64

	// Subscribe before concurrent logging
	rb.Subscribe(func(e Event) {
		receivedCount.Add(1)
	})

	// Concurrent writers
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Log(Event{
					Type:      EventBundleAvailable,
					SessionID: string(rune('A' + id)),
				})
			}
		}(i)
	}

	// Concurrent readers
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = rb.Recent(10)
				_ = rb.RecentByType(EventBundleAvailable, 5)
				time.Sleep(time.Microsecond)
			}
		}()
	}

	wg.Wait()

	// Should have logged 1000 events
	if rb.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", rb.Count())
	}

	// Handler should have been called 1000 times
	if receivedCount.Load() != 1000 {
		t.Errorf("receivedCount = %d, want 1000", receivedCount.Load())
	}
}

func TestLogWithContext(t *testing.T) {
	rb := NewRingBuffer(10)

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRequestID(ctx, "req-456")

	rb.LogWithContext(ctx, Event{Type: EventBundleLoaded})

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatal("expected 1 event")
	}

	if recent[0].TraceID != "trace-123" {
		t.Errorf("TraceID = %q, want 'trace-123'", recent[0].TraceID)
	}
	if recent[0].RequestID != "req-456" {
		t.Errorf("RequestID = %q, want 'req-456'", recent[0].RequestID)
	}
}

func TestEventBuilder(t *testing.T) {
	rec := &bundle.Record{SessionID: "session-1", Platform: "ios", ServerTimestamp: 100}
	stats := &bundle.LoadStats{FileSize: 2048, Platform: "ios"}

	event := NewEvent(EventBundleLoaded).
		Component("loader").
		Record(rec).
		Stats(stats).
		Severity(SeverityInfo).
		Message("bundle loaded successfully").
		Components(3).
		Duration(100 * time.Millisecond).
		Metadata("version", "1.0.0").
		TraceID("trace-123").
		Build()

	if event.Type != EventBundleLoaded {
		t.Errorf("Type = %v, want EventBundleLoaded", event.Type)
	}
	if event.SessionID != "session-1" {
		t.Errorf("SessionID = %q, want 'session-1' (from record)", event.SessionID)
	}
	if event.Platform != "ios" {
		t.Errorf("Platform = %q, want 'ios' (from record)", event.Platform)
	}
	if event.Component != "loader" {
		t.Errorf("Component = %q, want 'loader'", event.Component)
	}
	if event.Record != rec {
		t.Error("Record payload not attached")
	}
	if event.Stats != stats {
		t.Error("Stats payload not attached")
	}
	if event.Severity != SeverityInfo {
		t.Errorf("Severity = %v, want SeverityInfo", event.Severity)
	}
	if event.Message != "bundle loaded successfully" {
		t.Errorf("Message = %q, want 'bundle loaded successfully'", event.Message)
	}
	if event.ComponentsCount != 3 {
		t.Errorf("ComponentsCount = %d, want 3", event.ComponentsCount)
	}
	if event.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", event.Duration)
	}
	if event.Metadata["version"] != "1.0.0" {
		t.Errorf("Metadata[version] = %q, want '1.0.0'", event.Metadata["version"])
	}
	if event.TraceID != "trace-123" {
		t.Errorf("TraceID = %q, want 'trace-123'", event.TraceID)
	}
	if event.ID == "" {
		t.Error("ID should be auto-generated")
	}
}

func TestEventBuilder_SessionNotOverwrittenByRecord(t *testing.T) {
	rec := &bundle.Record{SessionID: "record-session"}

	event := NewEvent(EventBundleAvailable).
		Session("explicit-session").
		Record(rec).
		Build()

	if event.SessionID != "explicit-session" {
		t.Errorf("SessionID = %q, want 'explicit-session'", event.SessionID)
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		event := NewEvent(EventBundleLoadError).
			ErrorFrom(context.DeadlineExceeded).
			Build()

		if event.Error != context.DeadlineExceeded.Error() {
			t.Errorf("Error = %q, want %q", event.Error, context.DeadlineExceeded.Error())
		}
		if event.Severity != SeverityError {
			t.Errorf("Severity = %v, want SeverityError", event.Severity)
		}
	})

	t.Run("with nil error", func(t *testing.T) {
		event := NewEvent(EventBundleLoaded).
			ErrorFrom(nil).
			Build()

		if event.Error != "" {
			t.Errorf("Error = %q, want empty", event.Error)
		}
	})
}

func TestEventBuilder_LogTo(t *testing.T) {
	rb := NewRingBuffer(10)

	NewEvent(EventBundleLoaded).
		Session("test").
		Message("hello").
		LogTo(rb)

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}
}

func TestNoOpLogger(t *testing.T) {
	var logger NoOpLogger

	// Should not panic
	logger.Log(Event{})
	logger.LogWithContext(context.Background(), Event{})
	unsubscribe := logger.Subscribe(func(e Event) {})
	unsubscribe()
	_ = logger.Recent(10)
	_ = logger.RecentBySession("test", 10)
	_ = logger.RecentByType(EventBundleLoaded, 10)
}

func TestEvent_String(t *testing.T) {
	event := Event{
		Type:      EventBundleLoaded,
		SessionID: "test",
		Message:   "hello",
	}

	str := event.String()
	if str == "" {
		t.Error("String() should not be empty")
	}
	// Should be valid JSON
	if str[0] != '{' {
		t.Error("String() should return JSON")
	}
}
