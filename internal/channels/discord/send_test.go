package discord

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

// fakeClock drives channelQueue tests without real sleeps.
type fakeClock struct {
	current time.Time
	slept   []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
	return nil
}

func TestChannelQueue_AllowsBurst(t *testing.T) {
	clock := newFakeClock()
	q := &channelQueue{}

	for i := 0; i < 5; i++ {
		if err := q.wait(context.Background(), 5, 5*time.Second, clock.now, clock.sleep); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if len(clock.slept) != 0 {
		t.Errorf("expected no sleeps inside the burst, got %v", clock.slept)
	}
}

func TestChannelQueue_WaitsForWindow(t *testing.T) {
	clock := newFakeClock()
	q := &channelQueue{}

	for i := 0; i < 5; i++ {
		q.wait(context.Background(), 5, 5*time.Second, clock.now, clock.sleep)
		clock.current = clock.current.Add(200 * time.Millisecond)
	}

	// Sixth send: the oldest timestamp is 1s old, so the queue should
	// wait the remaining 4s of the window.
	if err := q.wait(context.Background(), 5, 5*time.Second, clock.now, clock.sleep); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(clock.slept) != 1 {
		t.Fatalf("expected 1 sleep, got %v", clock.slept)
	}
	if clock.slept[0] != 4*time.Second {
		t.Errorf("slept %v, want 4s", clock.slept[0])
	}
}

func TestChannelQueue_OldEntriesExpire(t *testing.T) {
	clock := newFakeClock()
	q := &channelQueue{}

	for i := 0; i < 5; i++ {
		q.wait(context.Background(), 5, 5*time.Second, clock.now, clock.sleep)
	}
	clock.current = clock.current.Add(6 * time.Second)

	if err := q.wait(context.Background(), 5, 5*time.Second, clock.now, clock.sleep); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(clock.slept) != 0 {
		t.Errorf("expected no sleep after the window passed, got %v", clock.slept)
	}
}

func newTestSender(mock *mockSession) (*sender, *fakeClock) {
	clock := newFakeClock()
	s := newSender(func() discordSession { return mock }, 5, 5*time.Second, testLogger())
	s.now = clock.now
	s.sleep = clock.sleep
	return s, clock
}

func TestSender_SingleMessage(t *testing.T) {
	mock := newMockSession()
	s, _ := newTestSender(mock)

	ids, err := s.Send(context.Background(), "chan-1", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 id, got %v", ids)
	}
	if got := mock.sentContents(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("sent = %v", got)
	}
}

func TestSender_EmptyContent(t *testing.T) {
	mock := newMockSession()
	s, _ := newTestSender(mock)

	ids, err := s.Send(context.Background(), "chan-1", "", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ids != nil {
		t.Errorf("expected no ids, got %v", ids)
	}
	if mock.messageCount() != 0 {
		t.Error("expected no messages sent")
	}
}

func TestSender_ChunksLongContent(t *testing.T) {
	mock := newMockSession()
	s, _ := newTestSender(mock)

	content := strings.Repeat("All work and no play makes for dull chunks. ", 120)
	ids, err := s.Send(context.Background(), "chan-1", content, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ids) < 3 {
		t.Errorf("expected at least 3 chunks for %d bytes, got %d", len(content), len(ids))
	}
	for i, msg := range mock.sentContents() {
		if len(msg) > messageLimit {
			t.Errorf("chunk %d exceeds the message limit: %d bytes", i, len(msg))
		}
	}
}

func TestSender_ReferenceOnFirstChunkOnly(t *testing.T) {
	mock := newMockSession()
	s, _ := newTestSender(mock)

	ref := &discordgo.MessageReference{MessageID: "orig-1", ChannelID: "chan-1"}
	content := strings.Repeat("word ", 900)
	if _, err := s.Send(context.Background(), "chan-1", content, ref); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.messages) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(mock.messages))
	}
	if !mock.messages[0].complex || mock.messages[0].reference == nil {
		t.Error("first chunk should carry the reply reference")
	}
	for i, msg := range mock.messages[1:] {
		if msg.reference != nil {
			t.Errorf("chunk %d should not carry a reference", i+1)
		}
	}
}

func TestSender_NoSession(t *testing.T) {
	s := newSender(func() discordSession { return nil }, 5, 5*time.Second, testLogger())
	if _, err := s.Send(context.Background(), "chan-1", "hi", nil); err == nil {
		t.Error("expected error when the session is missing")
	}
}
