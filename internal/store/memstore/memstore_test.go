package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"gymdesk.org/internal/auth"
)

func TestUserRolesAreCopies(t *testing.T) {
	s := New()
	s.PutRole(auth.Role{Name: "COACH", Permissions: []auth.Permission{{Name: "READ", Type: auth.PermRead, Resource: "athletes"}}})
	u := s.PutUser(auth.User{Email: " Coach@Example.com ", Name: "Coach"}, "COACH")
	if u.Email != "coach@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}

	ctx := context.Background()
	got, err := s.Users(ctx).Find(ctx, u.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	got.Roles[0].Permissions[0].Name = "MANAGE"

	again, _ := s.Users(ctx).FindByEmail(ctx, "coach@example.com")
	if again.Roles[0].Permissions[0].Name != "READ" {
		t.Fatalf("stored role mutated through returned user")
	}
}

func TestCreateConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Users(ctx).Create(ctx, &auth.User{Email: "a@example.com"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Users(ctx).Create(ctx, &auth.User{Email: "A@example.com"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTwoFactorConsumeOnlyCurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	codes := s.TwoFactorTokens(ctx)

	first := &auth.TwoFactorToken{ID: "1", Email: "a@example.com", Code: "111111", Expires: time.Now().Add(time.Minute)}
	second := &auth.TwoFactorToken{ID: "2", Email: "a@example.com", Code: "222222", Expires: time.Now().Add(time.Minute)}
	_ = codes.Replace(ctx, first)
	_ = codes.Replace(ctx, second)

	if ok, _ := codes.Consume(ctx, first); ok {
		t.Fatal("replaced token must not be consumable")
	}
	if ok, _ := codes.Consume(ctx, second); !ok {
		t.Fatal("current token should be consumed")
	}
	if _, err := codes.FindByEmail(ctx, "a@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after consume, got %v", err)
	}
}

func TestTwoFactorFailuresPerCode(t *testing.T) {
	s := New()
	ctx := context.Background()
	codes := s.TwoFactorTokens(ctx)

	first := &auth.TwoFactorToken{ID: "1", Email: "a@example.com", Code: "111111", Expires: time.Now().Add(time.Minute)}
	_ = codes.Replace(ctx, first)
	for want := 1; want <= 3; want++ {
		if n, _ := codes.RecordFailure(ctx, first); n != want {
			t.Fatalf("RecordFailure = %d, want %d", n, want)
		}
	}

	second := &auth.TwoFactorToken{ID: "2", Email: "a@example.com", Code: "222222", Expires: time.Now().Add(time.Minute)}
	_ = codes.Replace(ctx, second)
	if n, _ := codes.RecordFailure(ctx, second); n != 1 {
		t.Fatalf("new code should start from zero, got %d", n)
	}
	if n, _ := codes.RecordFailure(ctx, first); n != 0 {
		t.Fatalf("replaced code should not count, got %d", n)
	}
}

func TestCreateWithUnknownRoleStoresNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutRole(auth.Role{Name: "MEMBER"})

	if err := s.Users(ctx).Create(ctx, &auth.User{Email: "a@example.com"}, "GHOST"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Users(ctx).FindByEmail(ctx, "a@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("user should not exist, got %v", err)
	}

	u := &auth.User{Email: "a@example.com"}
	if err := s.Users(ctx).Create(ctx, u, "member"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _ := s.Users(ctx).Find(ctx, u.ID)
	if len(got.Roles) != 1 || got.Roles[0].Name != "MEMBER" {
		t.Fatalf("role not granted: %+v", got.Roles)
	}
}
