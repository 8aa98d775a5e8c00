package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sentaku/authserver/instrumentation"
	"github.com/sentaku/authserver/storage"
)

var _ storage.UserStore = (*UserStore)(nil)

// UserStore is an in-memory storage.UserStore.
type UserStore struct {
	mu         sync.RWMutex
	byID       map[string]*storage.User
	byUsername map[string]string // lower(username) -> id
	byEmail    map[string]string // lower(email) -> id

	bcryptCost int
	obs        observer
}

// NewUserStore returns an empty store.
func NewUserStore() *UserStore {
	return &UserStore{
		byID:       make(map[string]*storage.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		bcryptCost: bcrypt.DefaultCost,
	}
}

// SetBcryptCost changes the cost used by AddUser. Tests use bcrypt.MinCost.
func (s *UserStore) SetBcryptCost(cost int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcryptCost = cost
}

// SetInstrumentation enables spans and storage metrics.
func (s *UserStore) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs.set(inst)
}

// AddUser hashes password and stores u. Username and email must be unique
// ignoring case.
func (s *UserStore) AddUser(u storage.User, password string) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user id and username are required")
	}

	s.mu.RLock()
	cost := s.bcryptCost
	s.mu.RUnlock()

	hash, err := storage.HashPassword(password, cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	u.PasswordHash = hash
	u.Roles = slices.Clone(u.Roles)

	s.mu.Lock()
	defer s.mu.Unlock()

	uname := strings.ToLower(u.Username)
	email := strings.ToLower(u.Email)
	if _, ok := s.byID[u.ID]; ok {
		return fmt.Errorf("%w: id %q", storage.ErrDuplicateUser, u.ID)
	}
	if _, ok := s.byUsername[uname]; ok {
		return fmt.Errorf("%w: username %q", storage.ErrDuplicateUser, u.Username)
	}
	if email != "" {
		if _, ok := s.byEmail[email]; ok {
			return fmt.Errorf("%w: email %q", storage.ErrDuplicateUser, u.Email)
		}
		s.byEmail[email] = u.ID
	}

	s.byID[u.ID] = &u
	s.byUsername[uname] = u.ID
	return nil
}

// FindByUsername implements storage.UserStore.
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.find(ctx, "find_user_by_username", func() (string, bool) {
		id, ok := s.byUsername[strings.ToLower(username)]
		return id, ok
	})
}

// FindByEmail implements storage.UserStore.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.find(ctx, "find_user_by_email", func() (string, bool) {
		if email == "" {
			return "", false
		}
		id, ok := s.byEmail[strings.ToLower(email)]
		return id, ok
	})
}

// FindByID implements storage.UserStore.
func (s *UserStore) FindByID(ctx context.Context, id string) (*storage.User, error) {
	return s.find(ctx, "find_user_by_id", func() (string, bool) {
		_, ok := s.byID[id]
		return id, ok
	})
}

// VerifyPassword implements storage.UserStore.
func (s *UserStore) VerifyPassword(ctx context.Context, user *storage.User, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return storage.ComparePassword(user, password)
}

func (s *UserStore) find(ctx context.Context, op string, lookup func() (string, bool)) (u *storage.User, err error) {
	started := time.Now()
	ctx, span := s.obs.start(ctx, op)
	defer func() { s.obs.finish(ctx, span, op, err, started) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := lookup()
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	stored, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *stored
	cp.Roles = slices.Clone(stored.Roles)
	return &cp, nil
}
