package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	jobs     []*models.Job
	users    map[string]uuid.UUID
	keys     []*models.APIKey
	revoked  map[uuid.UUID]bool
	lastList store.JobFilter
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]uuid.UUID),
		revoked: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) List(_ context.Context, filter store.JobFilter) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = filter
	var out []*models.Job
	for _, j := range f.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpsertUser(_ context.Context, email string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.users[email]; ok {
		return id, nil
	}
	id := uuid.New()
	f.users[email] = id
	return id, nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.UserID == key.UserID && k.Name == key.Name {
			return store.ErrDuplicateKey
		}
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.ID == id && !f.revoked[id] {
			f.revoked[id] = true
			return nil
		}
	}
	return store.ErrNotFound
}

func testCommandContext(st *fakeStore) *commandContext {
	return &commandContext{
		loadConfig: func() (*config.Config, error) {
			return &config.Config{Jobs: config.JobsConfig{MaxAttempts: 3}}, nil
		},
		openStore: func(context.Context, *config.Config) (cliStore, func(), error) {
			return st, func() { st.closed = true }, nil
		},
		now: func() time.Time { return fixedNow },
	}
}

func runCLI(t *testing.T, cc *commandContext, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommandWith(cc)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q\n%s", needle, haystack)
	}
}
