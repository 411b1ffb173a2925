package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/orchestrator"
	"github.com/Valdrix-AI/spendgate/internal/repository/memory"
)

// staticValidator принимает токены вида "user:tenant".
type staticValidator struct{}

func (staticValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	parts := strings.SplitN(tokenStr, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("bad token")
	}
	return &domain.CustomClaims{UserID: parts[0], TenantID: parts[1], Role: "engineer"}, nil
}

func newTestServer(t *testing.T) (*Server, *gateFixture, *orchestrator.Queue) {
	t.Helper()
	f := newGateFixture(t, defaultGateConfig())
	queue := orchestrator.NewQueue(memory.NewActionRepo(), zap.NewNop())

	// Фикстура шлюза не хранит approvals-сервис отдельно — пересобираем
	// сервер на тех же зависимостях через фасад.
	srv := NewServer(f.gate, f.gate.approvals, queue, staticValidator{}, zap.NewNop())
	return srv, f, queue
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServerEvaluate(t *testing.T) {
	srv, _, _ := newTestServer(t)

	t.Run("unauthorized without token", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/terraform/evaluate", "", gateInput(10))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("allow decision", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/terraform/evaluate", "alice:acme", gateInput(10))
		require.Equal(t, http.StatusOK, rec.Code)

		var res domain.GateResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, domain.DecisionAllow, res.Decision)
		assert.NotEmpty(t, res.DecisionID)
	})

	t.Run("unknown source is 400", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/gitops/evaluate", "alice:acme", gateInput(10))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/gate/terraform/evaluate", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "alice:acme")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("idempotency key header overrides body", func(t *testing.T) {
		in := gateInput(10)
		in.IdempotencyKey = "body-key"

		req1 := httptest.NewRequest(http.MethodPost, "/v1/gate/terraform/evaluate", jsonBody(t, in))
		req1.Header.Set("Authorization", "alice:acme")
		req1.Header.Set("Idempotency-Key", "header-key")
		rec1 := httptest.NewRecorder()
		srv.ServeHTTP(rec1, req1)
		require.Equal(t, http.StatusOK, rec1.Code)

		req2 := httptest.NewRequest(http.MethodPost, "/v1/gate/terraform/evaluate", jsonBody(t, in))
		req2.Header.Set("Authorization", "alice:acme")
		req2.Header.Set("Idempotency-Key", "header-key")
		rec2 := httptest.NewRecorder()
		srv.ServeHTTP(rec2, req2)
		require.Equal(t, http.StatusOK, rec2.Code)

		var r1, r2 domain.GateResult
		require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &r1))
		require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &r2))
		assert.Equal(t, r1.DecisionID, r2.DecisionID)
	})

	t.Run("trace id echoed back", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/gate/terraform/evaluate", jsonBody(t, gateInput(10)))
		req.Header.Set("Authorization", "alice:acme")
		req.Header.Set("X-Trace-ID", "trace-42")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, "trace-42", rec.Header().Get("X-Trace-ID"))
	})
}

func TestServerConsumeToken(t *testing.T) {
	srv, f, queue := newTestServer(t)
	ctx := context.Background()

	// Полный цикл: оценка -> апрув -> consume на границе исполнения.
	res, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", gateInput(500))
	require.NoError(t, err)
	require.NotEmpty(t, res.ApprovalRequestID)

	plaintext, _, err := f.gate.approvals.Approve(ctx, f.scope, res.ApprovalRequestID, "bob", "ok")
	require.NoError(t, err)

	consumeReq := map[string]string{
		"token":               plaintext,
		"source":              "terraform",
		"environment":         "prod",
		"request_fingerprint": res.RequestFingerprint,
		"resource_reference":  "vm/web-1",
	}

	var firstActionID string

	t.Run("valid consume enqueues execution", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/tokens/consume", "runner:acme", consumeReq)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Approval *domain.ApprovalRequest `json:"approval"`
			Action   *domain.ActionExecution `json:"action"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Approval)
		require.NotNil(t, resp.Action)
		assert.Equal(t, domain.ActionQueued, resp.Action.Status)
		assert.Equal(t, resp.Approval.DecisionID, resp.Action.DecisionID)
		assert.Equal(t, "terraform_apply", resp.Action.ActionType)
		require.NotNil(t, resp.Action.ApprovalRequestID)
		assert.Equal(t, resp.Approval.ID, *resp.Action.ApprovalRequestID)
		firstActionID = resp.Action.ID
	})

	t.Run("idempotent repeat returns same action", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/tokens/consume", "runner:acme", consumeReq)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Action *domain.ActionExecution `json:"action"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Action)
		assert.Equal(t, firstActionID, resp.Action.ID)

		queued, err := queue.ListActions(ctx, f.scope, domain.ActionQueued, 0)
		require.NoError(t, err)
		assert.Len(t, queued, 1)
	})

	t.Run("binding mismatch is 403", func(t *testing.T) {
		bad := map[string]string{}
		for k, v := range consumeReq {
			bad[k] = v
		}
		bad["resource_reference"] = "vm/other"
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/tokens/consume", "runner:acme", bad)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown token is 410", func(t *testing.T) {
		bad := map[string]string{}
		for k, v := range consumeReq {
			bad[k] = v
		}
		bad["token"] = "deadbeef"
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/tokens/consume", "runner:acme", bad)
		assert.Equal(t, http.StatusGone, rec.Code)
	})

	t.Run("missing token is 400", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/gate/tokens/consume", "runner:acme",
			map[string]string{"source": "terraform"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(v))
	return &buf
}
