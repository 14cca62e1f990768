package oauthx

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// providerMetadata is the subset of the OpenID Connect discovery document
// the validator and user-info client need.
type providerMetadata struct {
	Issuer      string `json:"issuer"`
	JWKSURL     string `json:"jwks_uri"`
	UserInfoURL string `json:"userinfo_endpoint"`
}

// discover fetches <issuer>/.well-known/openid-configuration. A failed
// fetch is retried once unless the caller has given up.
func discover(ctx context.Context, cfg IssuerConfig, client *http.Client) (providerMetadata, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		meta, err := discoverOnce(ctx, cfg, client)
		if err == nil {
			return meta, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return providerMetadata{}, newError(ErrCodeMetadataLookup, lastErr)
}

func discoverOnce(ctx context.Context, cfg IssuerConfig, client *http.Client) (providerMetadata, error) {
	callCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, client), cfg.HTTPTimeout)
	defer cancel()

	provider, err := oidc.NewProvider(callCtx, cfg.Issuer)
	if err != nil {
		return providerMetadata{}, fmt.Errorf("discover %s: %w", cfg.Issuer, err)
	}
	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return providerMetadata{}, fmt.Errorf("decode discovery document: %w", err)
	}
	if meta.JWKSURL == "" {
		return providerMetadata{}, errors.New("discovery document has no jwks_uri")
	}
	return meta, nil
}
