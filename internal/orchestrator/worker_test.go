package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/repository/memory"
)

// stubExecutor отвечает по таблице action_type -> ошибка.
type stubExecutor struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error
}

func (e *stubExecutor) Call(ctx context.Context, actionType string, payload []byte) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	err := e.fail[actionType]
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []byte(`{"status":"applied"}`), nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func waitForStatus(t *testing.T, q *Queue, scope domain.TenantScope, id string, want domain.ActionStatus) *domain.ActionExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a, err := q.GetAction(context.Background(), scope, id)
		require.NoError(t, err)
		if a.Status == want {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("action %s never reached status %s", id, want)
	return nil
}

func TestPoolExecutesQueuedActions(t *testing.T) {
	q := NewQueue(memory.NewActionRepo(), zap.NewNop())
	scope := domain.NewTenantScope("acme")
	exec := &stubExecutor{}

	a, err := q.CreateActionRequest(context.Background(), scope, CreateRequest{
		ActionType:     "terraform_apply",
		IdempotencyKey: "run-1",
		Payload:        []byte(`{"plan":"apply"}`),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, exec, 2, 10*time.Millisecond, zap.NewNop())
	pool.Start(ctx)

	done := waitForStatus(t, q, scope, a.ID, domain.ActionSucceeded)
	assert.Equal(t, domain.PayloadSHA256([]byte(`{"status":"applied"}`)), done.ResultSHA256)
	assert.Equal(t, 1, done.AttemptCount)

	cancel()
	pool.Wait()
	assert.Equal(t, 1, exec.callCount())
}

func TestPoolRetriesFailures(t *testing.T) {
	repo := memory.NewActionRepo()
	q := NewQueue(repo, zap.NewNop())
	scope := domain.NewTenantScope("acme")
	exec := &stubExecutor{fail: map[string]error{"terraform_apply": errors.New("runner unavailable")}}

	a, err := q.CreateActionRequest(context.Background(), scope, CreateRequest{
		ActionType:     "terraform_apply",
		IdempotencyKey: "run-1",
		MaxAttempts:    1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, exec, 1, 10*time.Millisecond, zap.NewNop())
	pool.Start(ctx)

	// max_attempts=1: первый же провал терминален.
	failed := waitForStatus(t, q, scope, a.ID, domain.ActionFailed)
	assert.Equal(t, "runner unavailable", failed.LastError)
	assert.Equal(t, 1, failed.AttemptCount)

	cancel()
	pool.Wait()
}
