package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/repository/memory"
)

func newQueue(t *testing.T) (*Queue, domain.TenantScope) {
	t.Helper()
	return NewQueue(memory.NewActionRepo(), zap.NewNop()), domain.NewTenantScope("acme")
}

func enqueue(t *testing.T, q *Queue, scope domain.TenantScope, req CreateRequest) *domain.ActionExecution {
	t.Helper()
	if req.ActionType == "" {
		req.ActionType = "terraform_apply"
	}
	a, err := q.CreateActionRequest(context.Background(), scope, req)
	require.NoError(t, err)
	return a
}

func TestCreateActionRequest(t *testing.T) {
	ctx := context.Background()
	q, scope := newQueue(t)

	payload := []byte(`{"plan":"apply"}`)
	a := enqueue(t, q, scope, CreateRequest{
		DecisionID:     "dec-1",
		IdempotencyKey: "run-1",
		Payload:        payload,
	})

	assert.Equal(t, domain.ActionQueued, a.Status)
	assert.Equal(t, domain.PayloadSHA256(payload), a.RequestSHA256)
	assert.Equal(t, domain.DefaultMaxAttempts, a.MaxAttempts)
	assert.Equal(t, int64(domain.DefaultRetryBackoffSeconds), a.RetryBackoffSeconds)
	assert.Equal(t, int64(domain.DefaultLeaseTTLSeconds), a.LeaseTTLSeconds)

	t.Run("duplicate idempotency key returns existing", func(t *testing.T) {
		dup := enqueue(t, q, scope, CreateRequest{
			DecisionID:     "dec-other",
			IdempotencyKey: "run-1",
		})
		assert.Equal(t, a.ID, dup.ID)
	})

	t.Run("action type required", func(t *testing.T) {
		_, err := q.CreateActionRequest(ctx, scope, CreateRequest{})
		assert.Error(t, err)
	})
}

func TestLeaseNextAction(t *testing.T) {
	ctx := context.Background()
	q, scope := newQueue(t)

	a := enqueue(t, q, scope, CreateRequest{IdempotencyKey: "run-1", LeaseTTL: time.Minute})

	t.Run("claim marks running and increments attempt", func(t *testing.T) {
		leased, err := q.LeaseNextAction(ctx, "w1", "")
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, a.ID, leased.ID)
		assert.Equal(t, domain.ActionRunning, leased.Status)
		assert.Equal(t, 1, leased.AttemptCount)
		require.NotNil(t, leased.LockedByWorkerID)
		assert.Equal(t, "w1", *leased.LockedByWorkerID)
		require.NotNil(t, leased.LeaseExpiresAt)
	})

	t.Run("second worker gets nothing while lease is live", func(t *testing.T) {
		leased, err := q.LeaseNextAction(ctx, "w2", "")
		require.NoError(t, err)
		assert.Nil(t, leased)
	})

	t.Run("worker id required", func(t *testing.T) {
		_, err := q.LeaseNextAction(ctx, "", "")
		assert.Error(t, err)
	})

	t.Run("action type filter", func(t *testing.T) {
		enqueue(t, q, scope, CreateRequest{ActionType: "k8s_patch", IdempotencyKey: "run-2"})
		leased, err := q.LeaseNextAction(ctx, "w2", "terraform_apply")
		require.NoError(t, err)
		assert.Nil(t, leased)

		leased, err = q.LeaseNextAction(ctx, "w2", "k8s_patch")
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, "k8s_patch", leased.ActionType)
	})
}

func TestConcurrentLeaseClaims(t *testing.T) {
	ctx := context.Background()
	q, scope := newQueue(t)

	const actions = 30
	const workers = 10

	for i := 0; i < actions; i++ {
		enqueue(t, q, scope, CreateRequest{IdempotencyKey: fmt.Sprintf("run-%d", i)})
	}

	// Воркеры конкурируют за очередь до опустошения. Каждая задача должна
	// достаться ровно одному: lease по умолчанию живет дольше теста, повторный
	// claim той же задачи означал бы гонку в LeaseNext.
	var mu sync.Mutex
	claimed := make(map[string]int)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", i)
			for {
				leased, err := q.LeaseNextAction(ctx, workerID, "")
				if err != nil {
					errs[i] = err
					return
				}
				if leased == nil {
					return
				}
				mu.Lock()
				claimed[leased.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, claimed, actions)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "action %s leased %d times", id, n)
	}
}

func TestExpiredLeaseRecovery(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewActionRepo()
	q := NewQueue(repo, zap.NewNop())
	scope := domain.NewTenantScope("acme")

	// Секундный lease: задача возвращается в пул после истечения.
	a := enqueue(t, q, scope, CreateRequest{IdempotencyKey: "run-1", LeaseTTL: time.Second})

	first, err := q.LeaseNextAction(ctx, "w1", "")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Claim по времени после истечения lease — напрямую через репозиторий,
	// чтобы не спать в тесте.
	second, err := repo.LeaseNext(ctx, "w2", "", time.Now().UTC().Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, a.ID, second.ID)
	assert.Equal(t, 2, second.AttemptCount)
	assert.Equal(t, "w2", *second.LockedByWorkerID)

	t.Run("stale owner cannot complete", func(t *testing.T) {
		err := q.CompleteAction(ctx, scope, a.ID, "w1", []byte("{}"))
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("current owner completes", func(t *testing.T) {
		require.NoError(t, q.CompleteAction(ctx, scope, a.ID, "w2", []byte(`{"ok":true}`)))
		got, err := q.GetAction(ctx, scope, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionSucceeded, got.Status)
		assert.NotEmpty(t, got.ResultSHA256)
		assert.Nil(t, got.LockedByWorkerID)
	})
}

func TestFailActionRetryAndExhaustion(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewActionRepo()
	q := NewQueue(repo, zap.NewNop())
	scope := domain.NewTenantScope("acme")

	a := enqueue(t, q, scope, CreateRequest{
		IdempotencyKey: "run-1",
		MaxAttempts:    2,
		RetryBackoff:   10 * time.Second,
	})

	t.Run("retryable failure requeues with linear backoff", func(t *testing.T) {
		_, err := q.LeaseNextAction(ctx, "w1", "")
		require.NoError(t, err)

		before := time.Now().UTC()
		require.NoError(t, q.FailAction(ctx, scope, a.ID, "w1", "provider timeout", true))

		got, err := q.GetAction(ctx, scope, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionQueued, got.Status)
		assert.Equal(t, "provider timeout", got.LastError)
		require.NotNil(t, got.NextRetryAt)
		// attempt_count=1: backoff = 10s * 1.
		assert.WithinDuration(t, before.Add(10*time.Second), *got.NextRetryAt, 2*time.Second)
	})

	t.Run("attempts exhausted is terminal", func(t *testing.T) {
		// Дозреваем до ретрая без ожидания.
		leased, err := repo.LeaseNext(ctx, "w1", "", time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, 2, leased.AttemptCount)

		require.NoError(t, q.FailAction(ctx, scope, a.ID, "w1", "provider timeout", true))

		got, err := q.GetAction(ctx, scope, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionFailed, got.Status)
	})

	t.Run("non-retryable failure is terminal immediately", func(t *testing.T) {
		b := enqueue(t, q, scope, CreateRequest{IdempotencyKey: "run-2", MaxAttempts: 5})
		_, err := q.LeaseNextAction(ctx, "w1", "")
		require.NoError(t, err)

		require.NoError(t, q.FailAction(ctx, scope, b.ID, "w1", "payload rejected", false))

		got, err := q.GetAction(ctx, scope, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionFailed, got.Status)
	})
}

func TestCancelAction(t *testing.T) {
	ctx := context.Background()
	q, scope := newQueue(t)

	t.Run("queued action cancels", func(t *testing.T) {
		a := enqueue(t, q, scope, CreateRequest{IdempotencyKey: "run-1"})
		require.NoError(t, q.CancelAction(ctx, scope, a.ID))

		got, err := q.GetAction(ctx, scope, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionCancelled, got.Status)
	})

	t.Run("terminal action is not cancelable", func(t *testing.T) {
		a := enqueue(t, q, scope, CreateRequest{IdempotencyKey: "run-2"})
		_, err := q.LeaseNextAction(ctx, "w1", "")
		require.NoError(t, err)
		require.NoError(t, q.CompleteAction(ctx, scope, a.ID, "w1", nil))

		assert.ErrorIs(t, q.CancelAction(ctx, scope, a.ID), domain.ErrActionNotCancelable)
	})

	t.Run("unknown action", func(t *testing.T) {
		assert.ErrorIs(t, q.CancelAction(ctx, scope, "missing"), domain.ErrNotFound)
	})
}
