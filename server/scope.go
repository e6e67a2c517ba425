package server

import (
	"fmt"
	"slices"

	"authzd/oauth"
)

// ScopeChecker validates requested scopes against the scopes this server supports.
type ScopeChecker struct {
	supported []string
}

func NewScopeChecker(supported []string) *ScopeChecker {
	return &ScopeChecker{supported: slices.Clone(supported)}
}

// Check rejects an empty scope or any token the server does not support.
func (sc *ScopeChecker) Check(scope string) error {
	tokens := oauth.SplitList(scope)
	if len(tokens) == 0 {
		return oauth.NewError(oauth.InvalidScope, "The scope is empty.")
	}
	for _, s := range tokens {
		if !slices.Contains(sc.supported, s) {
			return oauth.NewError(oauth.InvalidScope, fmt.Sprintf("Unsupported scope %q.", s))
		}
	}
	return nil
}

// Supported returns the configured scopes.
func (sc *ScopeChecker) Supported() []string {
	return slices.Clone(sc.supported)
}
