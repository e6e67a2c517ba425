package oauth

import (
	"slices"
	"sort"
	"strings"
)

// Authorization request parameters.
const (
	ResponseTypeParam        = "response_type"
	ClientIDParam            = "client_id"
	RedirectURIParam         = "redirect_uri"
	ScopeParam               = "scope"
	StateParam               = "state"
	ResponseModeParam        = "response_mode"
	NonceParam               = "nonce"
	PromptParam              = "prompt"
	DisplayParam             = "display"
	MaxAgeParam              = "max_age"
	UILocalesParam           = "ui_locales"
	ACRValuesParam           = "acr_values"
	LoginHintParam           = "login_hint"
	IDTokenHintParam         = "id_token_hint"
	CodeChallengeParam       = "code_challenge"
	CodeChallengeMethodParam = "code_challenge_method"
	PostLogoutRedirectParam  = "post_logout_redirect_uri"
	LogoutHintParam          = "logout_hint"
)

// Prompt values.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
	PromptCreate        = "create"
)

// Prompts lists every supported prompt value.
var Prompts = []string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount, PromptCreate}

// Displays lists every supported display value.
var Displays = []string{"page", "popup", "touch", "wap"}

// PKCE methods.
const (
	PKCEPlain = "plain"
	PKCES256  = "S256"
)

// SplitList splits a space separated parameter, dropping empty entries.
func SplitList(value string) []string {
	return strings.Fields(value)
}

// JoinList joins values into a space separated parameter.
func JoinList(values []string) string {
	return strings.Join(values, " ")
}

// SortedList splits, sorts and re-joins a space separated parameter so that
// permutations of the same set share one canonical form.
func SortedList(value string) string {
	parts := SplitList(value)
	sort.Strings(parts)
	return JoinList(parts)
}

// ContainsAll reports whether every value of want is present in have.
func ContainsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// Intersect returns the values of a that are present in b, in the order of a.
func Intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
