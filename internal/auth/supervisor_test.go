package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"egpt/internal/api"
	"egpt/internal/store"
	"egpt/internal/types"
)

type fakeAuthAPI struct {
	loginCred  *types.Credential
	loginErr   error
	refreshTok string
	refreshErr error
	selfErr    error

	selfCalls    int
	refreshCalls int
}

func (f *fakeAuthAPI) Login(ctx context.Context, email, password string) (*types.Credential, error) {
	return f.loginCred, f.loginErr
}

func (f *fakeAuthAPI) RefreshToken(ctx context.Context, accessToken, refreshToken string) (string, error) {
	f.refreshCalls++
	return f.refreshTok, f.refreshErr
}

func (f *fakeAuthAPI) Self(ctx context.Context) (*types.Credential, error) {
	f.selfCalls++
	if f.selfErr != nil {
		return nil, f.selfErr
	}
	return &types.Credential{ID: 1}, nil
}

type memCredentialStore struct {
	mu   sync.Mutex
	cred *types.Credential
}

func (m *memCredentialStore) Load(ctx context.Context) (*types.Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, false, nil
	}
	cred := *m.cred
	return &cred, true, nil
}

func (m *memCredentialStore) Save(ctx context.Context, credential *types.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := *credential
	m.cred = &cred
	return nil
}

func (m *memCredentialStore) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return store.ErrCredentialNotFound
	}
	m.cred = nil
	return nil
}

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": expiry.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func rejected(status int) error {
	return &api.APIError{StatusCode: status, Detail: "nope"}
}

func TestBootstrapWithoutCredential(t *testing.T) {
	s := NewSupervisor(&fakeAuthAPI{}, &memCredentialStore{}, nil)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if s.State() != StateAnonymous {
		t.Fatalf("state = %q", s.State())
	}
	if s.Token() != "" {
		t.Fatal("token present without credential")
	}
}

func TestBootstrapValidCredential(t *testing.T) {
	creds := &memCredentialStore{cred: &types.Credential{AccessToken: "acc", RefreshToken: "ref"}}
	fake := &fakeAuthAPI{}
	s := NewSupervisor(fake, creds, nil)

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %q", s.State())
	}
	if s.Token() != "acc" {
		t.Fatalf("token = %q", s.Token())
	}
	if fake.refreshCalls != 0 {
		t.Fatal("refresh attempted for a valid credential")
	}
}

func TestBootstrapRefreshesExpiredAccess(t *testing.T) {
	creds := &memCredentialStore{cred: &types.Credential{AccessToken: "stale", RefreshToken: "ref"}}
	fake := &fakeAuthAPI{selfErr: rejected(http.StatusUnauthorized), refreshTok: "fresh"}
	s := NewSupervisor(fake, creds, nil)

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %q", s.State())
	}
	if s.Token() != "fresh" {
		t.Fatalf("token = %q", s.Token())
	}
	if saved, ok, _ := creds.Load(context.Background()); !ok || saved.AccessToken != "fresh" {
		t.Fatalf("persisted credential = %+v, %v", saved, ok)
	}
}

func TestBootstrapDeadRefreshEndsSession(t *testing.T) {
	creds := &memCredentialStore{cred: &types.Credential{AccessToken: "stale", RefreshToken: "dead"}}
	fake := &fakeAuthAPI{selfErr: rejected(http.StatusUnauthorized), refreshErr: rejected(http.StatusUnauthorized)}
	s := NewSupervisor(fake, creds, nil)

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if s.State() != StateAnonymous {
		t.Fatalf("state = %q", s.State())
	}
	if _, ok, _ := creds.Load(context.Background()); ok {
		t.Fatal("dead credential not deleted")
	}
}

func TestBootstrapNetworkTroubleKeepsSession(t *testing.T) {
	creds := &memCredentialStore{cred: &types.Credential{AccessToken: "acc", RefreshToken: "ref"}}
	fake := &fakeAuthAPI{selfErr: errors.New("dial tcp: connection refused")}
	s := NewSupervisor(fake, creds, nil)

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %q", s.State())
	}
	if fake.refreshCalls != 0 {
		t.Fatal("refresh attempted on network error")
	}
}

func TestLoginPersistsCredential(t *testing.T) {
	creds := &memCredentialStore{}
	fake := &fakeAuthAPI{loginCred: &types.Credential{ID: 9, AccessToken: "acc", RefreshToken: "ref"}}
	s := NewSupervisor(fake, creds, nil)

	if err := s.Login(context.Background(), "me@example.com", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %q", s.State())
	}
	if saved, ok, _ := creds.Load(context.Background()); !ok || saved.ID != 9 {
		t.Fatalf("persisted credential = %+v, %v", saved, ok)
	}
}

func TestLogoutRunsTeardownHooks(t *testing.T) {
	creds := &memCredentialStore{cred: &types.Credential{AccessToken: "acc", RefreshToken: "ref"}}
	s := NewSupervisor(&fakeAuthAPI{}, creds, nil)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	hookRuns := 0
	s.OnLogout(func() { hookRuns++ })
	s.Logout(context.Background())

	if s.State() != StateAnonymous {
		t.Fatalf("state = %q", s.State())
	}
	if hookRuns != 1 {
		t.Fatalf("hook runs = %d", hookRuns)
	}
	if _, ok, _ := creds.Load(context.Background()); ok {
		t.Fatal("credential survived logout")
	}
}

func TestRefreshWithoutCredential(t *testing.T) {
	s := NewSupervisor(&fakeAuthAPI{}, &memCredentialStore{}, nil)
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	expiry := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	got, ok := tokenExpiry(signedToken(t, expiry))
	if !ok {
		t.Fatal("expiry not decoded")
	}
	if !got.Equal(expiry) {
		t.Fatalf("expiry = %v, want %v", got, expiry)
	}

	if _, ok := tokenExpiry("not-a-jwt"); ok {
		t.Fatal("garbage decoded as a token")
	}
}
