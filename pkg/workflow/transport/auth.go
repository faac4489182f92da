package transport

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/configbinder"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// Auth provider types.
const (
	AuthNone                    = "none"
	AuthHeader                  = "header"
	AuthBasic                   = "basic"
	AuthBearer                  = "bearer"
	AuthPreSharedKey            = "pre_shared_key"
	AuthOAuth2ClientCredentials = "oauth2_client_credentials"
)

// DefaultPreSharedKeyHeader carries pre-shared keys when the config names no header.
const DefaultPreSharedKeyHeader = "X-API-Key"

// AuthProvider decorates outgoing requests with credentials.
type AuthProvider interface {
	Apply(req *http.Request) error
	Type() string
}

type noAuth struct{}

func (noAuth) Apply(*http.Request) error { return nil }
func (noAuth) Type() string              { return AuthNone }

type headerAuth struct {
	Name  string `yaml:"name" validate:"required"`
	Value string `yaml:"value" validate:"required"`
}

func (a *headerAuth) Apply(req *http.Request) error {
	req.Header.Set(a.Name, a.Value)
	return nil
}
func (a *headerAuth) Type() string { return AuthHeader }

type basicAuth struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password"`
}

func (a *basicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}
func (a *basicAuth) Type() string { return AuthBasic }

type bearerAuth struct {
	Token string `yaml:"token" validate:"required"`
}

func (a *bearerAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}
func (a *bearerAuth) Type() string { return AuthBearer }

type preSharedKeyAuth struct {
	Key    string `yaml:"key" validate:"required"`
	Header string `yaml:"header"`
}

func (a *preSharedKeyAuth) Apply(req *http.Request) error {
	req.Header.Set(a.Header, a.Key)
	return nil
}
func (a *preSharedKeyAuth) Type() string { return AuthPreSharedKey }

type oauth2ClientCredentialsAuth struct {
	TokenURL     string   `yaml:"token_url" validate:"required,url"`
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" validate:"required"`
	Scopes       []string `yaml:"scopes"`

	tokens oauth2.TokenSource
}

func (a *oauth2ClientCredentialsAuth) Apply(req *http.Request) error {
	tok, err := a.tokens.Token()
	if err != nil {
		return exception.Newf(exception.FetchError, moduleName, "failed to obtain oauth2 token from %s", a.TokenURL, err).
			WithRetryable(exception.IsRetryable(err))
	}
	tok.SetAuthHeader(req)
	return nil
}
func (a *oauth2ClientCredentialsAuth) Type() string { return AuthOAuth2ClientCredentials }

// NewAuthProvider builds the provider described by cfg ({"type": ..., provider fields}).
// A nil or empty cfg yields the "none" provider.
func NewAuthProvider(cfg map[string]interface{}) (AuthProvider, error) {
	if len(cfg) == 0 {
		return noAuth{}, nil
	}
	authType, _ := cfg["type"].(string)
	var p AuthProvider
	switch authType {
	case "", AuthNone:
		return noAuth{}, nil
	case AuthHeader:
		p = &headerAuth{}
	case AuthBasic:
		p = &basicAuth{}
	case AuthBearer:
		p = &bearerAuth{}
	case AuthPreSharedKey, "api_key":
		p = &preSharedKeyAuth{}
	case AuthOAuth2ClientCredentials:
		p = &oauth2ClientCredentialsAuth{}
	default:
		return nil, configErrorf("unknown auth type '%s'", authType)
	}
	if err := configbinder.BindAndValidate(cfg, p); err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "invalid %s auth", authType, err)
	}
	switch a := p.(type) {
	case *preSharedKeyAuth:
		if a.Header == "" {
			a.Header = DefaultPreSharedKeyHeader
		}
	case *oauth2ClientCredentialsAuth:
		cc := &clientcredentials.Config{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			TokenURL:     a.TokenURL,
			Scopes:       a.Scopes,
		}
		a.tokens = cc.TokenSource(context.Background())
	}
	return p, nil
}
