package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/taskman/internal/model"
)

func TestResolver_Resolve_Found(t *testing.T) {
	repo := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			return &model.User{ID: "user-1", Username: username}, nil
		},
	}
	r := NewResolver(repo)

	user, err := r.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user == nil || user.ID != "user-1" {
		t.Fatalf("Resolve = %+v, want user-1", user)
	}
}

func TestResolver_Resolve_NotFound_ReturnsNilNil(t *testing.T) {
	r := NewResolver(&mockUserRepo{})

	user, err := r.Resolve(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user != nil {
		t.Errorf("expected nil user, got %+v", user)
	}
}

func TestResolver_Resolve_EmptySubject_SkipsLookup(t *testing.T) {
	called := false
	repo := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, _ string) (*model.User, error) {
			called = true
			return nil, nil
		},
	}

	user, err := NewResolver(repo).Resolve(context.Background(), "")
	if err != nil || user != nil {
		t.Fatalf("Resolve(\"\") = (%v, %v), want (nil, nil)", user, err)
	}
	if called {
		t.Error("expected repository not to be queried for an empty subject")
	}
}

func TestResolver_Resolve_RepositoryError(t *testing.T) {
	dbErr := errors.New("connection refused")
	repo := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, _ string) (*model.User, error) {
			return nil, dbErr
		},
	}

	_, err := NewResolver(repo).Resolve(context.Background(), "alice")
	if !errors.Is(err, dbErr) {
		t.Errorf("expected wrapped repository error, got %v", err)
	}
}
