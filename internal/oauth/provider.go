// provider.go -- Identity provider contract for the authorization-code login.
package oauth

import "context"

// Claims is the verified identity returned by a provider after code exchange.
type Claims struct {
	Subject       string // stable provider-side account id ("sub")
	Email         string
	EmailVerified bool
	Name          string
}

// Provider is an OAuth2/OIDC identity provider. PKCE (S256) is mandatory: callers pass
// the code_challenge to AuthCodeURL and the matching code_verifier to Exchange.
type Provider interface {
	// Name is the {provider} URL segment and the value stored in oauth_identities.
	Name() string

	// AuthCodeURL returns the consent page URL carrying state and the PKCE challenge.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades code for verified claims.
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}
