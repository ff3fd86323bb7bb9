package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrUnknownProvider is returned for provider names not present in
	// the registry.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrEndpointMismatch is returned when an endpoint URL is malformed
	// or its host does not exactly match the provider's pinned host.
	ErrEndpointMismatch = errors.New("oauth endpoint host mismatch")
)

// Provider describes one upstream identity provider. AuthHost pins the
// host every endpoint URL must resolve to; a registry entry whose URLs
// drift from the pin never produces an authorization URL.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthHost     string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// Registry is the immutable provider set configured at build time.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	registry := &Registry{
		providers: make(map[string]Provider, len(providers)),
	}
	for _, p := range providers {
		if p.Name == "" {
			return nil, errors.New("oauth provider name required")
		}
		if p.ClientID == "" {
			return nil, fmt.Errorf("oauth provider %q: client id required", p.Name)
		}
		if p.AuthHost == "" {
			return nil, fmt.Errorf("oauth provider %q: auth host required", p.Name)
		}
		for _, endpoint := range []string{p.AuthURL, p.TokenURL, p.UserInfoURL} {
			if err := ValidateEndpointHost(endpoint, p.AuthHost); err != nil {
				return nil, fmt.Errorf("oauth provider %q: %w", p.Name, err)
			}
		}
		if _, exists := registry.providers[p.Name]; exists {
			return nil, fmt.Errorf("oauth provider %q registered twice", p.Name)
		}
		registry.providers[p.Name] = p
	}
	return registry, nil
}

func (r *Registry) Get(name string) (Provider, error) {
	if r == nil {
		return Provider{}, ErrUnknownProvider
	}
	provider, ok := r.providers[name]
	if !ok {
		return Provider{}, ErrUnknownProvider
	}
	return provider, nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// ValidateEndpointHost checks that rawURL is a well-formed https URL whose
// host equals expectedHost, case-insensitively and exactly. No suffix or
// subdomain matching: "evil-example.com" and "example.com.evil" must both
// fail against "example.com".
func ValidateEndpointHost(rawURL, expectedHost string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointMismatch, err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrEndpointMismatch, parsed.Scheme)
	}
	if !strings.EqualFold(parsed.Host, expectedHost) {
		return fmt.Errorf("%w: host %q", ErrEndpointMismatch, parsed.Host)
	}
	return nil
}

// AuthorizationURL builds the redirect URL for one login attempt,
// revalidating the endpoint host before anything is handed to a browser.
func (p Provider) AuthorizationURL(state, challenge string) (string, error) {
	if err := ValidateEndpointHost(p.AuthURL, p.AuthHost); err != nil {
		return "", err
	}

	parsed, err := url.Parse(p.AuthURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEndpointMismatch, err)
	}

	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", p.ClientID)
	query.Set("redirect_uri", p.RedirectURL)
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	if len(p.Scopes) > 0 {
		query.Set("scope", strings.Join(p.Scopes, " "))
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}
