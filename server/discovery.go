package server

import (
	"maps"
	"net/http"
	"slices"

	"authzd/oauth"
)

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document from the
// registries the App was built with.
func (a *App) BuildDiscoveryDocument() DiscoveryDocument {
	issuer := a.Tokens.Issuer()
	modes := slices.Clone(a.Config.Authorization.ResponseModes)
	slices.Sort(modes)

	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"end_session_endpoint":                  issuer + "/end_session",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              slices.Sorted(maps.Keys(a.ResponseTypes)),
		"response_modes_supported":              modes,
		"grant_types_supported":                 []string{"authorization_code"},
		"prompt_values_supported":               oauth.Prompts,
		"display_values_supported":              oauth.Displays,
		"code_challenge_methods_supported":      []string{oauth.PKCEPlain, oauth.PKCES256},
		"scopes_supported":                      a.Scopes.Supported(),
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{DefaultSigningAlg},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},

		"authorization_signing_alg_values_supported":    SigningAlgs,
		"authorization_encryption_alg_values_supported": jarmEncryptionAlgs,
		"authorization_encryption_enc_values_supported": jarmEncryptionEncs,
		"authorization_response_iss_parameter_supported": a.Config.Authorization.EnableAuthorizationResponseIssuerIdentifier,
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.BuildDiscoveryDocument())
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}
