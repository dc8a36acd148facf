package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
)

const providerGoogle = "google"

// ErrNotLoggedIn indicates no stored credentials for the provider.
var ErrNotLoggedIn = errors.New("not logged in")

type TokenStore interface {
	SaveToken(provider, token string) error
	LoadToken(provider string) (string, error)
}

// Flow runs the desktop OAuth login: it opens the provider consent page
// in the user's browser and completes the PKCE exchange through a
// short-lived loopback redirect listener.
type Flow struct {
	config  *oauth2.Config
	store   TokenStore
	openURL func(string) error
	timeout time.Duration
}

func NewFlow(clientID, clientSecret string, store TokenStore, openURL func(string) error) *Flow {
	return &Flow{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarEventsReadonlyScope},
		},
		store:   store,
		openURL: openURL,
		timeout: 3 * time.Minute,
	}
}

// Login acquires a token interactively and persists it. It blocks until
// the browser redirect arrives, the timeout passes, or ctx is done.
func (f *Flow) Login(ctx context.Context) error {
	if strings.TrimSpace(f.config.ClientID) == "" {
		return errors.New("google client id is not configured")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start redirect listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	config := *f.config
	config.RedirectURL = fmt.Sprintf("http://%s/callback", listener.Addr().String())

	state, err := randomState()
	if err != nil {
		return err
	}
	verifier := oauth2.GenerateVerifier()

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		cb := callback{code: r.URL.Query().Get("code")}
		switch {
		case r.URL.Query().Get("state") != state:
			cb.err = errors.New("oauth state mismatch")
		case r.URL.Query().Get("error") != "":
			cb.err = fmt.Errorf("authorization declined: %s", r.URL.Query().Get("error"))
		case cb.code == "":
			cb.err = errors.New("oauth callback missing code")
		}

		if cb.err != nil {
			http.Error(w, cb.err.Error(), http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprint(w, "<html><body>Signed in. You can close this window.</body></html>")
		}
		once.Do(func() { results <- cb })
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("warning: oauth redirect listener: %v", err)
		}
	}()
	defer func() { _ = srv.Close() }()

	authURL := config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	if err := f.openURL(authURL); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}

	var cb callback
	select {
	case cb = <-results:
	case <-time.After(f.timeout):
		return errors.New("login timed out waiting for browser redirect")
	case <-ctx.Done():
		return ctx.Err()
	}
	if cb.err != nil {
		return cb.err
	}

	token, err := config.Exchange(ctx, cb.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	return f.saveToken(token)
}

// LoggedIn reports whether a stored token exists.
func (f *Flow) LoggedIn() bool {
	_, err := f.store.LoadToken(providerGoogle)
	return err == nil
}

// TokenSource returns a refreshing source backed by the stored token.
// Refreshed tokens are written back to the store.
func (f *Flow) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	raw, err := f.store.LoadToken(providerGoogle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}

	return &persistingSource{
		flow:    f,
		wrapped: f.config.TokenSource(ctx, &token),
		last:    token.AccessToken,
	}, nil
}

func (f *Flow) saveToken(token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := f.store.SaveToken(providerGoogle, string(raw)); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// persistingSource saves the token whenever a refresh produces a new
// access token, so restarts do not force a fresh login.
type persistingSource struct {
	flow    *Flow
	wrapped oauth2.TokenSource
	mu      sync.Mutex
	last    string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	token, err := p.wrapped.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken != p.last {
		p.last = token.AccessToken
		if err := p.flow.saveToken(token); err != nil {
			log.Printf("warning: persist refreshed token: %v", err)
		}
	}
	return token, nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
