package oauthx

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceScope(t *testing.T) {
	cases := []struct {
		name     string
		scopes   []string
		required string
		ok       bool
	}{
		{"exact match", []string{"openid", "investments"}, "investments", true},
		{"substring match", []string{"openid", "https://api.example.com/investments"}, "investments", true},
		{"missing", []string{"openid", "email"}, "investments", false},
		{"empty required", []string{"openid"}, "", true},
		{"no scopes", nil, "investments", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnforceScope(tc.scopes, tc.required)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			e := AsError(err)
			assert.Equal(t, ErrCodeInsufficientScope, e.Code)
			assert.Equal(t, http.StatusForbidden, e.Status)
			assert.Equal(t, tc.required, e.Detail)
		})
	}
}
