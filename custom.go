package oauthx

import (
	"context"
	"encoding/json"
	"fmt"
)

// CustomClaims is a deployment-defined bag of domain claims. Its concrete
// type is owned by the CustomClaimsProvider that produced it.
type CustomClaims interface{}

// CustomClaimsProvider supplies domain claims for both strategies.
//
// Deserialize(Serialize(c)) must equal c, since custom claims cross the
// claims cache boundary in serialized form.
type CustomClaimsProvider interface {
	// FromPayload reads claims already embedded in the token. It must not
	// fail on absent optional fields.
	FromPayload(ctx context.Context, payload Payload) (CustomClaims, error)

	// Lookup resolves claims from a business source. Failures should be
	// wrapped with NewClaimsLookupError.
	Lookup(ctx context.Context, accessToken string, base BaseClaims, userInfo UserInfoClaims) (CustomClaims, error)

	Serialize(claims CustomClaims) ([]byte, error)
	Deserialize(data []byte) (CustomClaims, error)
}

// MapClaims is the default CustomClaims: every non-registered token claim.
type MapClaims map[string]any

// registeredClaims are covered by BaseClaims, UserInfoClaims or validation.
var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"scope": {}, "given_name": {}, "family_name": {}, "email": {},
}

// MapClaimsProvider copies private token claims into MapClaims. It has no
// business source, so Lookup yields empty claims.
//
// Serialization is JSON, so Deserialize(Serialize(c)) equals c only when c
// holds JSON-typed values (string, float64, bool, nil, []any,
// map[string]any), which is what FromPayload produces. Other Go values come
// back in their JSON form: 1 as float64(1), []string as []any.
type MapClaimsProvider struct{}

// FromPayload implements CustomClaimsProvider.
func (MapClaimsProvider) FromPayload(_ context.Context, payload Payload) (CustomClaims, error) {
	out := MapClaims{}
	for k, v := range payload {
		if _, ok := registeredClaims[k]; ok {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// Lookup implements CustomClaimsProvider.
func (MapClaimsProvider) Lookup(context.Context, string, BaseClaims, UserInfoClaims) (CustomClaims, error) {
	return MapClaims{}, nil
}

// Serialize implements CustomClaimsProvider.
func (MapClaimsProvider) Serialize(claims CustomClaims) ([]byte, error) {
	switch c := claims.(type) {
	case nil:
		return []byte("{}"), nil
	case MapClaims:
		return json.Marshal(map[string]any(c))
	}
	return nil, fmt.Errorf("unexpected custom claims type %T", claims)
}

// Deserialize implements CustomClaimsProvider.
func (MapClaimsProvider) Deserialize(data []byte) (CustomClaims, error) {
	out := MapClaims{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode custom claims: %w", err)
	}
	return out, nil
}
