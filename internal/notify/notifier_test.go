package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureSink накапливает доставленные события.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Deliver(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestNotifierDeliversToSinks(t *testing.T) {
	sink := &captureSink{}
	n := New(nil, []Sink{sink}, zap.NewNop())
	n.Start()

	n.Publish(Event{Kind: KindHardCapDeny, TenantID: "acme", DecisionID: "dec-1", AmountUSD: 9000})
	n.Publish(Event{Kind: KindFailSafe, TenantID: "acme", Detail: "timeout"})

	// Stop дочитывает буфер до конца.
	n.Stop()

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, KindHardCapDeny, events[0].Kind)
	assert.Equal(t, "dec-1", events[0].DecisionID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, KindFailSafe, events[1].Kind)
}

func TestNotifierPublishAfterStopIsDropped(t *testing.T) {
	sink := &captureSink{}
	n := New(nil, []Sink{sink}, zap.NewNop())
	n.Start()
	n.Stop()

	// Не должно паниковать и не должно доставляться.
	n.Publish(Event{Kind: KindOverdueReserve, TenantID: "acme"})
	assert.Empty(t, sink.snapshot())
}

func TestNotifierPublishNeverBlocks(t *testing.T) {
	// Без Start воркер не читает канал: после переполнения буфера Publish
	// обязан сбрасывать события, а не блокироваться.
	n := New(nil, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			n.Publish(Event{Kind: KindFailSafe, TenantID: "acme"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on full buffer")
	}
}
