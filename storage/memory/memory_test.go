package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rightapi/ha-mcp-bridge/storage"
)

func TestClientLifecycle(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "client_abc",
		RedirectURIs: []string{"https://example.com/callback"},
		ClientName:   "Test Client",
		CreatedAt:    time.Now(),
	}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, "client_abc")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "Test Client" {
		t.Errorf("ClientName = %q, want %q", got.ClientName, "Test Client")
	}

	// Mutating the returned copy must not affect the stored value.
	got.ClientName = "mutated"
	again, _ := store.GetClient(ctx, "client_abc")
	if again.ClientName != "Test Client" {
		t.Error("stored client was mutated through a returned copy")
	}

	if err := store.DeleteClient(ctx, "client_abc"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "client_abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrNotFound", err)
	}
}

func TestGetClientNotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	if _, err := store.GetClient(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient() error = %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthorizationCode(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client_abc",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != "client_abc" {
		t.Errorf("ClientID = %q, want %q", got.ClientID, "client_abc")
	}

	// Second consumption must fail regardless of the first's outcome.
	if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); err == nil {
		t.Fatal("second ConsumeAuthorizationCode() succeeded, want error")
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "code-race",
		ClientID:  "client_abc",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 16
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := store.ConsumeAuthorizationCode(ctx, "code-race")
			results <- err
		}()
	}

	successes := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("concurrent consumption succeeded %d times, want exactly 1", successes)
	}
}

func TestConsumeExpiredAuthorizationCode(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "code-old",
		ClientID:  "client_abc",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-50 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if _, err := store.ConsumeAuthorizationCode(ctx, "code-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want ErrNotFound", err)
	}
}

func TestLatestAdminSession(t *testing.T) {
	now := time.Now()
	store := New(WithClock(func() time.Time { return now }))
	defer store.Stop()
	ctx := context.Background()

	sessions := []*storage.AdminSession{
		{
			Token: "old", Authenticated: true,
			DownstreamHost: "http://ha-1:8123", DownstreamSecret: "t1",
			CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(time.Hour),
		},
		{
			Token: "newer", Authenticated: true,
			DownstreamHost: "http://ha-2:8123", DownstreamSecret: "t2",
			CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
		},
		{
			// Most recent but expired: must not win.
			Token: "expired", Authenticated: true,
			DownstreamHost: "http://ha-3:8123", DownstreamSecret: "t3",
			CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(-time.Second),
		},
		{
			// Most recent but never authenticated: must not win.
			Token: "anon", Authenticated: false,
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		},
	}
	for _, s := range sessions {
		if err := store.SaveAdminSession(ctx, s); err != nil {
			t.Fatalf("SaveAdminSession(%s) error = %v", s.Token, err)
		}
	}

	latest, err := store.LatestAdminSession(ctx)
	if err != nil {
		t.Fatalf("LatestAdminSession() error = %v", err)
	}
	if latest.Token != "newer" {
		t.Errorf("LatestAdminSession() = %q, want %q", latest.Token, "newer")
	}
}

func TestLatestAdminSessionEmpty(t *testing.T) {
	store := New()
	defer store.Stop()

	if _, err := store.LatestAdminSession(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LatestAdminSession() error = %v, want ErrNotFound", err)
	}
}

func TestGetExpiredAdminSession(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	session := &storage.AdminSession{
		Token:         "stale",
		Authenticated: true,
		CreatedAt:     time.Now().Add(-2 * time.Hour),
		ExpiresAt:     time.Now().Add(-time.Hour),
	}
	if err := store.SaveAdminSession(ctx, session); err != nil {
		t.Fatalf("SaveAdminSession() error = %v", err)
	}
	if _, err := store.GetAdminSession(ctx, "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAdminSession() error = %v, want ErrNotFound", err)
	}
}

func TestTouchAccessToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	token := &storage.AccessToken{
		Token:     "tok-1",
		ClientID:  "client_abc",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	used := time.Now().Add(time.Minute)
	if err := store.TouchAccessToken(ctx, "tok-1", used); err != nil {
		t.Fatalf("TouchAccessToken() error = %v", err)
	}

	got, err := store.GetAccessToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !got.LastUsedAt.Equal(used) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, used)
	}
}

func TestDumpRestoreState(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	live := &storage.AdminSession{
		Token: "live", Authenticated: true,
		DownstreamHost: "http://ha:8123", DownstreamSecret: "secret",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	dead := &storage.AdminSession{
		Token: "dead", Authenticated: true,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if err := store.SaveAdminSession(ctx, live); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveAccessToken(ctx, &storage.AccessToken{
		Token: "tok-live", ClientID: "c", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	state, err := store.DumpState(ctx)
	if err != nil {
		t.Fatalf("DumpState() error = %v", err)
	}
	state.AdminSessions = append(state.AdminSessions, dead)

	fresh := New()
	defer fresh.Stop()
	if err := fresh.RestoreState(ctx, state); err != nil {
		t.Fatalf("RestoreState() error = %v", err)
	}

	if _, err := fresh.GetAdminSession(ctx, "live"); err != nil {
		t.Errorf("live session not restored: %v", err)
	}
	if _, err := fresh.GetAdminSession(ctx, "dead"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired session restored, want ErrNotFound, got %v", err)
	}
	if _, err := fresh.GetAccessToken(ctx, "tok-live"); err != nil {
		t.Errorf("access token not restored: %v", err)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	now := time.Now()
	current := now
	store := New(WithClock(func() time.Time { return current }))
	defer store.Stop()
	ctx := context.Background()

	if err := store.SaveAccessToken(ctx, &storage.AccessToken{
		Token: "short", ClientID: "c", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetAccessToken(ctx, "short"); err != nil {
		t.Fatalf("GetAccessToken() before expiry error = %v", err)
	}

	current = now.Add(2 * time.Minute)
	if _, err := store.GetAccessToken(ctx, "short"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessToken() after expiry error = %v, want ErrNotFound", err)
	}
}
