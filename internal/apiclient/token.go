package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"turnover/internal/failure"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenSource holds the single process-wide bearer token. Concurrent callers
// that find it missing or near expiry share one refresh.
type TokenSource struct {
	cfg        clientcredentials.Config
	margin     time.Duration
	httpClient *http.Client

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
	now   func() time.Time
}

func NewTokenSource(tokenURL, clientID, clientSecret string, scopes []string, margin time.Duration, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		margin:     margin,
		httpClient: httpClient,
		now:        time.Now,
	}
}

func (s *TokenSource) usable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return s.now().Add(s.margin).Before(tok.Expiry)
}

// Token returns a cached token, refreshing it when absent or within the
// safety margin of expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if s.usable(tok) {
		return tok.AccessToken, nil
	}

	ch := s.group.DoChan("token", func() (any, error) {
		s.mu.Lock()
		current := s.token
		s.mu.Unlock()
		if s.usable(current) {
			return current, nil
		}

		// The refresh outlives any single caller's cancellation.
		fetchCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, s.httpClient)
		fresh, err := s.cfg.Token(fetchCtx)
		if err != nil {
			return nil, classifyTokenError(err)
		}

		s.mu.Lock()
		s.token = fresh
		s.mu.Unlock()
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*oauth2.Token).AccessToken, nil
	}
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// Expiry returns the cached token's expiry, zero when none is cached.
func (s *TokenSource) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return time.Time{}
	}
	return s.token.Expiry
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden:
			return fmt.Errorf("%w: token endpoint returned %d: %s", failure.ErrAuth, code, truncate(re.Body))
		default:
			return &APIError{Method: http.MethodPost, Path: "token", Status: code, Body: truncate(re.Body)}
		}
	}
	return fmt.Errorf("fetch token: %w", err)
}
