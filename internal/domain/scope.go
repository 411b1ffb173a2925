package domain

import (
	"errors"
	"strings"
)

// DefaultScopeKey используется, когда вызывающий не указал под-скоуп бюджета.
const DefaultScopeKey = "default"

var ErrEmptyTenant = errors.New("tenant scope: tenant id is required")

// TenantScope — явный параметр изоляции данных. Каждый вызов storage-слоя
// принимает его в сигнатуре, поэтому изоляция арендаторов проверяется
// компилятором, а не side-channel переменной сессии БД.
type TenantScope struct {
	TenantID string
	ScopeKey string
}

// NewTenantScope создает скоуп с дефолтным ключом бюджета.
func NewTenantScope(tenantID string) TenantScope {
	return TenantScope{TenantID: tenantID, ScopeKey: DefaultScopeKey}
}

// WithScopeKey возвращает копию скоупа с другим ключом бюджета.
func (s TenantScope) WithScopeKey(key string) TenantScope {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultScopeKey
	}
	s.ScopeKey = key
	return s
}

func (s TenantScope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return ErrEmptyTenant
	}
	return nil
}
