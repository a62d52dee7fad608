package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rightapi/ha-mcp-bridge/storage"
	"github.com/rightapi/ha-mcp-bridge/storage/memory"
)

type stubProber struct {
	err   error
	calls int
	host  string
	token string
}

func (p *stubProber) Ping(ctx context.Context, host, token string) error {
	p.calls++
	p.host, p.token = host, token
	return p.err
}

func newTestService(t *testing.T, prober *stubProber, cfg Config) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" && cfg.PasswordHash == "" {
		cfg.Password = "correct horse battery staple"
	}

	svc, err := New(store, prober, cfg, nil)
	require.NoError(t, err)
	return svc, store
}

func TestLoginSuccess(t *testing.T) {
	prober := &stubProber{}
	svc, store := newTestService(t, prober, Config{})

	session, err := svc.Login(context.Background(),
		"admin", "correct horse battery staple",
		"http://ha.local:8123", "ha-token", "203.0.113.7")
	require.NoError(t, err)

	assert.True(t, session.Authenticated)
	assert.Equal(t, "http://ha.local:8123", session.DownstreamHost)
	assert.Equal(t, "ha-token", session.DownstreamSecret)
	assert.True(t, session.ExpiresAt.After(time.Now().Add(364*24*time.Hour)),
		"admin sessions are long-lived")

	// The session must be the live probe's target and retrievable by token.
	assert.Equal(t, 1, prober.calls)
	assert.Equal(t, "http://ha.local:8123", prober.host)

	stored, err := store.GetAdminSession(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, stored.Token)
}

func TestLoginBadPassword(t *testing.T) {
	prober := &stubProber{}
	svc, _ := newTestService(t, prober, Config{})

	_, err := svc.Login(context.Background(), "admin", "wrong", "http://ha.local:8123", "tok", "")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Zero(t, prober.calls, "downstream must not be probed for a failed identity")
}

func TestLoginBadUsername(t *testing.T) {
	svc, _ := newTestService(t, &stubProber{}, Config{})

	_, err := svc.Login(context.Background(), "root", "correct horse battery staple", "http://ha.local:8123", "tok", "")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestLoginWithPasswordHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	svc, _ := newTestService(t, &stubProber{}, Config{PasswordHash: string(hash)})

	_, err = svc.Login(context.Background(), "admin", "s3cret-pass", "http://ha.local:8123", "tok", "")
	assert.NoError(t, err)

	_, err = svc.Login(context.Background(), "admin", "wrong", "http://ha.local:8123", "tok", "")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestLoginDownstreamUnreachable(t *testing.T) {
	prober := &stubProber{err: errors.New("connection refused")}
	svc, store := newTestService(t, prober, Config{})

	_, err := svc.Login(context.Background(), "admin", "correct horse battery staple", "http://ha.local:8123", "tok", "")
	assert.ErrorIs(t, err, ErrDownstreamUnreachable)
	assert.NotErrorIs(t, err, ErrAuthentication)

	// No session may exist for an unverified downstream.
	_, err = store.LatestAdminSession(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerify(t *testing.T) {
	svc, _ := newTestService(t, &stubProber{}, Config{})

	session, err := svc.Login(context.Background(), "admin", "correct horse battery staple", "http://ha.local:8123", "tok", "")
	require.NoError(t, err)

	got, err := svc.Verify(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, got.Token)

	_, err = svc.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Verify(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoginSessionTTLOverride(t *testing.T) {
	svc, _ := newTestService(t, &stubProber{}, Config{SessionTTL: time.Hour})

	session, err := svc.Login(context.Background(), "admin", "correct horse battery staple", "http://ha.local:8123", "tok", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)
}
