package oauthx

import (
	"fmt"
	"strings"
)

// EnforceScope fails with ErrCodeInsufficientScope unless one of scopes
// contains required. Containment rather than equality lets a requirement
// such as "investments" be met by "https://api.example.com/investments".
func EnforceScope(scopes []string, required string) error {
	if required == "" {
		return nil
	}
	for _, s := range scopes {
		if strings.Contains(s, required) {
			return nil
		}
	}
	e := newError(ErrCodeInsufficientScope, fmt.Errorf("scope %q not granted", required)).(*Error)
	e.Detail = required
	return e
}
