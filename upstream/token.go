package upstream

import (
	"context"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultAPIURL  = "https://api.twitch.tv/helix"
	defaultAuthURL = "https://id.twitch.tv/oauth2"
)

// authBase returns the id-service root. TWITCH_AUTH_URL overrides it for
// tests and self-hosted gateways.
func authBase() string {
	if v := os.Getenv("TWITCH_AUTH_URL"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return defaultAuthURL
}

// AppTokenSource returns a cached client-credentials token source for API
// calls that only need app identity. The id service wants the client id and
// secret in the POST body rather than basic auth.
func AppTokenSource(clientID, clientSecret string) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     authBase() + "/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cfg.TokenSource(context.Background())
}
