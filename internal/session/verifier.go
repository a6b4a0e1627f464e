// Package session resolves inbound credentials to a stable user identifier
// via the identity store's session-introspection endpoint.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	apierrors "github.com/appback/billing/internal/pkg/errors"
)

// userPrefix is stripped from the session name to obtain the user id.
const userPrefix = "user/"

// Credentials carries the caller's auth material, forwarded verbatim to the
// identity store.
type Credentials struct {
	Authorization string
	Cookie        string
}

// Verifier resolves credentials to a canonical user identifier.
type Verifier interface {
	Verify(ctx context.Context, creds Credentials) (string, error)
}

type verifier struct {
	sessionURL string
	client     *http.Client
}

// NewVerifier creates a session verifier against the given endpoint. A
// session lookup shouldn't take longer than the supplied timeout; a slower
// identity store surfaces as an upstream failure, never an infinite wait.
func NewVerifier(sessionURL string, timeout time.Duration) Verifier {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &verifier{
		sessionURL: sessionURL,
		client:     &http.Client{Timeout: timeout},
	}
}

type sessionResponse struct {
	UserCtx *struct {
		Name string `json:"name"`
	} `json:"userCtx"`
}

// Verify calls the identity store and returns the canonical user id.
func (v *verifier) Verify(ctx context.Context, creds Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.sessionURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if creds.Authorization != "" {
		req.Header.Set("Authorization", creds.Authorization)
	}
	if creds.Cookie != "" {
		req.Header.Set("Cookie", creds.Cookie)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", apierrors.ErrUpstreamUnavailable.WithMessage("Session lookup timed out")
		}
		return "", apierrors.ErrUpstreamUnavailable.WithMessage("Session store unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", apierrors.ErrUnauthenticated
	}
	if resp.StatusCode >= 400 {
		return "", apierrors.NewUpstreamError(resp.StatusCode,
			fmt.Sprintf("session store returned %s", resp.Status))
	}

	var body sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if body.UserCtx == nil || body.UserCtx.Name == "" {
		return "", apierrors.ErrUnauthenticated
	}

	return strings.TrimPrefix(body.UserCtx.Name, userPrefix), nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
