package memory

import (
	"context"
	"sync"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

type UserRepo struct {
	mu         sync.Mutex
	byUsername map[string]*domain.User
}

func NewUserRepo() *UserRepo {
	return &UserRepo{byUsername: make(map[string]*domain.User)}
}

func (r *UserRepo) AddUser(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := u
	r.byUsername[u.Username] = &cp
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byUsername[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}
