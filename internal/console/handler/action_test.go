package handler

import (
	"bytes"
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
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
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
	return &domain.CustomClaims{UserID: parts[0], TenantID: parts[1], Role: "operator"}, nil
}

func newActionHandlerTest(t *testing.T) (http.Handler, *orchestrator.Queue) {
	t.Helper()
	queue := orchestrator.NewQueue(memory.NewActionRepo(), zap.NewNop())
	h := NewActionHandler(queue)
	mw := auth.NewMiddleware(staticValidator{}, zap.NewNop())
	return mw(http.HandlerFunc(h.Create)), queue
}

func postAction(t *testing.T, h http.Handler, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestActionCreate(t *testing.T) {
	h, _ := newActionHandlerTest(t)

	body := map[string]interface{}{
		"decision_id":     "dec-1",
		"action_type":     "terraform_apply",
		"idempotency_key": "run-1",
		"payload":         map[string]string{"plan": "apply"},
	}

	rec := postAction(t, h, "alice:acme", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var a domain.ActionExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, domain.ActionQueued, a.Status)
	assert.Equal(t, "acme", a.TenantID)
	assert.Equal(t, "dec-1", a.DecisionID)
	assert.Equal(t, domain.DefaultMaxAttempts, a.MaxAttempts)

	t.Run("duplicate idempotency key returns existing", func(t *testing.T) {
		rec := postAction(t, h, "alice:acme", body)
		require.Equal(t, http.StatusCreated, rec.Code)

		var dup domain.ActionExecution
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
		assert.Equal(t, a.ID, dup.ID)
	})

	t.Run("action type required", func(t *testing.T) {
		rec := postAction(t, h, "alice:acme", map[string]string{"decision_id": "dec-2"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing auth", func(t *testing.T) {
		rec := postAction(t, h, "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
