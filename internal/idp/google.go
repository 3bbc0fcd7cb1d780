package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// ProviderGoogle is the provider name recorded on identity links.
	ProviderGoogle = "GOOGLE"

	defaultTokenInfoEndpoint = "https://oauth2.googleapis.com/tokeninfo"
	defaultTimeout           = 10 * time.Second
)

// GoogleVerifier validates Google ID tokens against the tokeninfo endpoint.
type GoogleVerifier struct {
	client   *http.Client
	endpoint string
	audience string
}

// GoogleOption configures GoogleVerifier behavior.
type GoogleOption func(*GoogleVerifier)

// WithAudience requires the token aud claim to match the OAuth client id.
func WithAudience(clientID string) GoogleOption {
	return func(v *GoogleVerifier) { v.audience = strings.TrimSpace(clientID) }
}

// WithTimeout bounds the outbound verification call.
func WithTimeout(d time.Duration) GoogleOption {
	return func(v *GoogleVerifier) {
		if d > 0 {
			v.client.Timeout = d
		}
	}
}

// WithEndpoint overrides the tokeninfo URL (tests).
func WithEndpoint(endpoint string) GoogleOption {
	return func(v *GoogleVerifier) {
		if endpoint != "" {
			v.endpoint = endpoint
		}
	}
}

// NewGoogleVerifier constructs a verifier with a bounded-timeout client.
func NewGoogleVerifier(opts ...GoogleOption) *GoogleVerifier {
	v := &GoogleVerifier{
		client:   &http.Client{Timeout: defaultTimeout},
		endpoint: defaultTokenInfoEndpoint,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type tokenInfoResponse struct {
	Sub           string `json:"sub"`
	Aud           string `json:"aud"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
}

// Verify implements Verifier. No automatic retry: a transient provider
// failure fails this attempt and the caller may retry.
func (v *GoogleVerifier) Verify(ctx context.Context, idToken string) (Identity, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return Identity{}, ErrInvalidToken
	}

	reqURL := v.endpoint + "?id_token=" + url.QueryEscape(idToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		// Timeouts and transport errors are provider outages, not token
		// problems; they must be logged with a distinct reason.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Identity{}, fmt.Errorf("%w: timeout", ErrUnavailable)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return Identity{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return Identity{}, fmt.Errorf("%w: status %d", ErrInvalidToken, resp.StatusCode)
	}

	var info tokenInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed response", ErrInvalidToken)
	}
	if info.Sub == "" || info.Email == "" {
		return Identity{}, fmt.Errorf("%w: missing subject or email", ErrInvalidToken)
	}
	if v.audience != "" && info.Aud != v.audience {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	verified, _ := strconv.ParseBool(info.EmailVerified)
	if !verified {
		return Identity{}, ErrEmailUnverified
	}

	return Identity{
		SubjectID:     info.Sub,
		Email:         strings.ToLower(info.Email),
		EmailVerified: verified,
		Name:          info.Name,
		GivenName:     info.GivenName,
		FamilyName:    info.FamilyName,
		Picture:       info.Picture,
		Locale:        info.Locale,
	}, nil
}
