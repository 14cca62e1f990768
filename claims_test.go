package oauthx

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBaseClaims(t *testing.T) {
	exp := time.Unix(1900000000, 0).UTC()

	t.Run("reads sub scope and exp", func(t *testing.T) {
		base, err := ReadBaseClaims(Payload{
			"sub":   "user-1",
			"scope": "openid  email openid investments",
			"exp":   exp,
		})
		require.NoError(t, err)
		assert.Equal(t, "user-1", base.Subject)
		assert.Equal(t, []string{"openid", "email", "investments"}, base.Scopes)
		assert.Equal(t, exp.Unix(), base.ExpiresAt)
		assert.True(t, base.HasScope("email"))
		assert.False(t, base.HasScope("invest"))
		assert.Equal(t, exp, base.Expiry())
	})

	t.Run("accepts numeric exp", func(t *testing.T) {
		for _, v := range []any{float64(1900000000), int64(1900000000), 1900000000, json.Number("1900000000")} {
			base, err := ReadBaseClaims(Payload{"sub": "u", "scope": "a", "exp": v})
			require.NoError(t, err, "exp %T", v)
			assert.Equal(t, int64(1900000000), base.ExpiresAt)
		}
	})

	cases := []struct {
		name    string
		payload Payload
		claim   string
	}{
		{"missing sub", Payload{"scope": "a", "exp": exp}, "sub"},
		{"empty sub", Payload{"sub": "", "scope": "a", "exp": exp}, "sub"},
		{"numeric sub", Payload{"sub": 42, "scope": "a", "exp": exp}, "sub"},
		{"missing scope", Payload{"sub": "u", "exp": exp}, "scope"},
		{"blank scope", Payload{"sub": "u", "scope": "  ", "exp": exp}, "scope"},
		{"missing exp", Payload{"sub": "u", "scope": "a"}, "exp"},
		{"string exp", Payload{"sub": "u", "scope": "a", "exp": "tomorrow"}, "exp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadBaseClaims(tc.payload)
			require.Error(t, err)
			e := AsError(err)
			assert.Equal(t, ErrCodeMissingClaim, e.Code)
			assert.Equal(t, tc.claim, e.Detail)
			assert.Equal(t, 500, e.Status)
		})
	}
}

func TestUserInfoFromPayload(t *testing.T) {
	info := userInfoFromPayload(Payload{
		"given_name":  "Guest",
		"family_name": "User",
		"email":       "GuestUser@Example.com",
	})
	assert.Equal(t, UserInfoClaims{GivenName: "Guest", FamilyName: "User", Email: "guestuser@example.com"}, info)
	assert.True(t, userInfoFromPayload(Payload{"sub": "u"}).IsZero())
}

func TestClaimsPrincipal(t *testing.T) {
	p := &ClaimsPrincipal{Base: BaseClaims{Subject: "user-1", Scopes: []string{"openid", "investments"}}}

	assert.Equal(t, "user-1", p.Subject())
	scopes := p.Scopes()
	scopes[0] = "mutated"
	assert.Equal(t, "openid", p.Base.Scopes[0])

	require.NoError(t, p.Enforce("investments"))
	assert.True(t, HasCode(p.Enforce("admin"), ErrCodeInsufficientScope))

	var missing *ClaimsPrincipal
	assert.Equal(t, "", missing.Subject())
	assert.True(t, HasCode(missing.Enforce("openid"), ErrCodeNoToken))
}
