// Package auth owns the session lifecycle: the stored token pair, startup
// validation, proactive refresh ahead of access-token expiry, and the
// teardown that scrubs per-user state on logout.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"egpt/internal/api"
	"egpt/internal/logging"
	"egpt/internal/store"
	"egpt/internal/types"
)

type State string

const (
	StateAnonymous     State = "anonymous"
	StateChecking      State = "checking"
	StateAuthenticated State = "authenticated"
	StateRefreshing    State = "refreshing"
)

// refreshLeeway is how far ahead of access-token expiry the proactive
// refresh fires.
const refreshLeeway = 60 * time.Second

var ErrNotAuthenticated = errors.New("not authenticated")

// API is the slice of the REST client the supervisor drives.
type API interface {
	Login(ctx context.Context, email, password string) (*types.Credential, error)
	RefreshToken(ctx context.Context, accessToken, refreshToken string) (string, error)
	Self(ctx context.Context) (*types.Credential, error)
}

type Supervisor struct {
	api   API
	creds store.CredentialStore
	log   logging.Logger

	mu         sync.Mutex
	state      State
	credential *types.Credential
	timer      *time.Timer
	onLogout   []func()
}

func NewSupervisor(apiClient API, creds store.CredentialStore, log logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{api: apiClient, creds: creds, log: log, state: StateAnonymous}
}

// OnLogout registers a teardown hook run after the credential is cleared,
// whether the logout was user-initiated or a failed refresh.
func (s *Supervisor) OnLogout(fn func()) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token is the access token source handed to the REST client. Empty while
// not authenticated.
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil {
		return ""
	}
	return s.credential.AccessToken
}

func (s *Supervisor) Credential() *types.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil {
		return nil
	}
	credential := *s.credential
	return &credential
}

// Bootstrap restores the stored session, if any: the credential is adopted
// optimistically, validated against the backend, refreshed when the access
// token is rejected, and discarded when the refresh token is dead too. The
// client starts anonymous when no credential is stored.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	stored, ok, err := s.creds.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.state = StateChecking
	s.credential = stored
	s.mu.Unlock()

	if _, err := s.api.Self(ctx); err != nil {
		if !isAuthRejection(err) {
			// Network trouble is not a verdict on the credential; stay
			// signed in and let the next call decide.
			s.mu.Lock()
			s.state = StateAuthenticated
			s.mu.Unlock()
			s.log.Warn("session check unreachable", logging.F("err", err))
			return nil
		}
		if err := s.Refresh(ctx); err != nil {
			s.log.Info("stored session expired")
			s.clear(ctx)
			return nil
		}
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.scheduleRefreshLocked()
	s.mu.Unlock()
	return nil
}

// Login trades the password for a token pair, persists it, and arms the
// refresh timer.
func (s *Supervisor) Login(ctx context.Context, email, password string) error {
	credential, err := s.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := s.creds.Save(ctx, credential); err != nil {
		s.log.Warn("credential save failed", logging.F("err", err))
	}
	s.mu.Lock()
	s.credential = credential
	s.state = StateAuthenticated
	s.scheduleRefreshLocked()
	s.mu.Unlock()
	return nil
}

// Refresh trades the refresh token for a fresh access token. A rejected
// refresh ends the session.
func (s *Supervisor) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.credential == nil {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	accessToken := s.credential.AccessToken
	refreshToken := s.credential.RefreshToken
	s.state = StateRefreshing
	s.mu.Unlock()

	fresh, err := s.api.RefreshToken(ctx, accessToken, refreshToken)
	if err != nil {
		if isAuthRejection(err) {
			s.log.Info("refresh token rejected")
			s.clear(ctx)
			return ErrNotAuthenticated
		}
		s.mu.Lock()
		s.state = StateAuthenticated
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.credential != nil {
		s.credential.AccessToken = fresh
	}
	credential := s.credential
	s.state = StateAuthenticated
	s.scheduleRefreshLocked()
	s.mu.Unlock()

	if credential != nil {
		if err := s.creds.Save(ctx, credential); err != nil {
			s.log.Warn("credential save failed", logging.F("err", err))
		}
	}
	return nil
}

// Logout clears the session locally. There is no server-side revocation
// endpoint; dropping the tokens is the whole operation.
func (s *Supervisor) Logout(ctx context.Context) {
	s.clear(ctx)
}

func (s *Supervisor) clear(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.credential = nil
	s.state = StateAnonymous
	hooks := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	if err := s.creds.Delete(ctx); err != nil && !errors.Is(err, store.ErrCredentialNotFound) {
		s.log.Warn("credential delete failed", logging.F("err", err))
	}
	for _, fn := range hooks {
		fn()
	}
}

// scheduleRefreshLocked arms the proactive refresh from the access token's
// exp claim. Caller holds s.mu. A token without a readable expiry gets no
// timer; the reactive path still covers it.
func (s *Supervisor) scheduleRefreshLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.credential == nil {
		return
	}
	expiry, ok := tokenExpiry(s.credential.AccessToken)
	if !ok {
		return
	}
	wait := time.Until(expiry) - refreshLeeway
	if wait < time.Second {
		wait = time.Second
	}
	s.timer = time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn("scheduled refresh failed", logging.F("err", err))
		}
	})
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client has no signing key and only needs the timestamp for scheduling.
func tokenExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func isAuthRejection(err error) bool {
	apiErr := api.AsAPIError(err)
	if apiErr == nil {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}
