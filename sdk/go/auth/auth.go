// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts credentials from HTTP requests and gates
// handlers on a configured management token.
package auth

import (
	"net/http"
	"strings"
)

// Credentials are the tokens found in one request.
type Credentials struct {
	Tokens []string
}

// NewCredentials returns a Credentials with the given tokens.
func NewCredentials(tokens ...string) *Credentials {
	return &Credentials{Tokens: tokens}
}

// CredentialsFromRequest returns the credentials carried by an HTTP
// request: an "Authorization: Bearer ..." header, a basic-auth
// password, or an "api_token" query parameter.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := &Credentials{}
	if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
		c.Tokens = append(c.Tokens, strings.TrimSpace(strings.TrimPrefix(hdr, "Bearer ")))
	} else if _, pw, ok := r.BasicAuth(); ok {
		c.Tokens = append(c.Tokens, strings.TrimSpace(pw))
	}
	if tok := r.URL.Query().Get("api_token"); tok != "" {
		c.Tokens = append(c.Tokens, strings.TrimSpace(tok))
	}
	return c
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CredentialsFromRequest(r)
		if len(c.Tokens) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range c.Tokens {
			if t == token {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
