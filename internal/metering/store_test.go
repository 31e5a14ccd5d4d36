package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]Event
	insertFn func(ctx context.Context, events []Event) error
}

func (m *mockStore) BatchInsert(ctx context.Context, events []Event) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, events)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleEvent(name string) Event {
	return Event{
		TenantID:   "tenant-1",
		UserID:     "user-1",
		SessionID:  "sess-1",
		Kind:       KindTool,
		Name:       name,
		Outcome:    OutcomeSuccess,
		StatusCode: 200,
		LatencyMs:  42,
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour) // large batch size, long interval

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))

	c.mu.Lock()
	bufLen := len(c.buffer)
	stamped := !c.buffer[0].CreatedAt.IsZero()
	c.mu.Unlock()

	if bufLen != 2 {
		t.Fatalf("expected buffer length 2, got %d", bufLen)
	}
	if !stamped {
		t.Error("expected Record to stamp CreatedAt")
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int // number of total events flushed
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"under batch size does not flush", 5, 3, 0},
		{"double batch size triggers two flushes", 2, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleEvent("a"))
			}

			got := ms.totalInserted()
			if got != tt.wantFlush {
				t.Errorf("expected %d flushed events, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))
	c.Record(sampleEvent("c"))

	c.Stop()
	c.Stop() // second call is a no-op

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 events after Stop, got %d", got)
	}
}

func TestCollector_StopWithoutStart(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)
	c.Record(sampleEvent("a"))
	c.Stop()

	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 event after Stop, got %d", got)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	c.Record(sampleEvent("a"))

	// Wait for the flush interval to fire.
	time.Sleep(200 * time.Millisecond)

	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 event after timer flush, got %d", got)
	}

	c.Stop()
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleEvent("a"))
		}()
	}
	wg.Wait()

	c.Stop()

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 events, got %d", got)
	}
}

func TestCollector_InsertErrorDropsBatch(t *testing.T) {
	ms := &mockStore{insertFn: func(context.Context, []Event) error { return errors.New("db down") }}
	c := NewCollector(ms, 1, time.Hour)
	c.Record(sampleEvent("a"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) != 0 {
		t.Errorf("expected buffer to be drained after failed flush, got %d", len(c.buffer))
	}
}

type flushCounter struct {
	ok, failed, events int
}

func (f *flushCounter) ObserveFlush(events int, err error) {
	if err != nil {
		f.failed++
		return
	}
	f.ok++
	f.events += events
}

func TestCollector_ReportsFlushes(t *testing.T) {
	fail := false
	ms := &mockStore{}
	ms.insertFn = func(ctx context.Context, events []Event) error {
		if fail {
			return errors.New("db down")
		}
		return nil
	}
	fc := &flushCounter{}
	c := NewCollector(ms, 2, time.Hour)
	c.SetMetrics(fc)

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))
	fail = true
	c.Record(sampleEvent("c"))
	c.Stop()

	if fc.ok != 1 || fc.events != 2 {
		t.Errorf("expected one ok flush of 2 events, got %+v", fc)
	}
	if fc.failed != 1 {
		t.Errorf("expected one failed flush, got %d", fc.failed)
	}
}

func TestBuildWhereClause(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildWhereClause(UsageQuery{TenantID: "t1", Kind: KindLLM, From: from})

	want := " WHERE tenant_id = $1 AND kind = $2 AND created_at >= $3"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if len(args) != 3 || args[0] != "t1" || args[1] != KindLLM || args[2] != from {
		t.Errorf("unexpected args: %v", args)
	}

	where, args = buildWhereClause(UsageQuery{})
	if where != "" || args != nil {
		t.Errorf("expected empty clause, got %q %v", where, args)
	}
}

func TestPlaceholderRow(t *testing.T) {
	if got := placeholderRow(12, 3); got != "($13, $14, $15)" {
		t.Errorf("placeholderRow = %q", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)
	gotTS, gotID, err := decodeCursor(encodeCursor(ts, "ev-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "ev-1" {
		t.Errorf("round trip mismatch: %v %q", gotTS, gotID)
	}
	if _, _, err := decodeCursor("!!!"); err == nil {
		t.Error("expected error for invalid cursor")
	}
}
