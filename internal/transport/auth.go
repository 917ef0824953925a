package transport

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthProvider supplies the Authorization header value for upstream requests.
type AuthProvider interface {
	AuthorizationHeader() (string, error)
}

// BearerAuth is a static Bearer token.
type BearerAuth struct {
	Token string
}

var _ AuthProvider = (*BearerAuth)(nil)

// AuthorizationHeader implements [AuthProvider].
func (b *BearerAuth) AuthorizationHeader() (string, error) {
	return "Bearer " + b.Token, nil
}

// OAuthAuth obtains Bearer tokens via the OAuth 2.1 client-credentials flow.
// The underlying token source caches and refreshes tokens as needed.
type OAuthAuth struct {
	source oauth2.TokenSource
}

var _ AuthProvider = (*OAuthAuth)(nil)

// NewOAuthAuth creates a client-credentials token source against tokenURL.
func NewOAuthAuth(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) *OAuthAuth {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &OAuthAuth{source: cfg.TokenSource(ctx)}
}

// AuthorizationHeader implements [AuthProvider].
func (o *OAuthAuth) AuthorizationHeader() (string, error) {
	tok, err := o.source.Token()
	if err != nil {
		return "", fmt.Errorf("transport: obtain oauth token: %w", err)
	}
	return tok.Type() + " " + tok.AccessToken, nil
}
