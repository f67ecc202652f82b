package builtin

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/plugin"
	"github.com/wudi/oagw/internal/provider"
)

const secretRefSchema = `{
  "type": "object",
  "required": ["secret_ref"],
  "properties": {"secret_ref": {"type": "string", "minLength": 1}}
}`

func authDescriptors() []plugin.Descriptor {
	return []plugin.Descriptor{
		{
			Name: "auth.bearer", Version: "1", Kind: plugin.KindAuth, Phase: model.PhaseRequest,
			Schema: secretRefSchema,
			New:    newBearer,
		},
		{
			Name: "auth.api_key_header", Version: "1", Kind: plugin.KindAuth, Phase: model.PhaseRequest,
			Schema: `{
  "type": "object",
  "required": ["secret_ref"],
  "properties": {
    "secret_ref": {"type": "string", "minLength": 1},
    "header_name": {"type": "string"},
    "prefix": {"type": "string"}
  }
}`,
			New: newAPIKeyHeader,
		},
		{
			Name: "auth.jwt_assertion", Version: "1", Kind: plugin.KindAuth, Phase: model.PhaseRequest,
			Schema: `{
  "type": "object",
  "required": ["secret_ref"],
  "properties": {
    "secret_ref": {"type": "string", "minLength": 1},
    "issuer": {"type": "string"},
    "audience": {"type": "string"},
    "subject": {"type": "string"},
    "ttl": {"type": "string"},
    "header_name": {"type": "string"}
  }
}`,
			New: newJWTAssertion,
		},
	}
}

// resolveSecret fetches ref without ever echoing the secret value.
func resolveSecret(ctx context.Context, c *plugin.Context, ref string) (*provider.Secret, error) {
	if c.Secrets == nil {
		return nil, errors.ErrSecretNotFound.WithDetail(fmt.Sprintf("secret %q is not available", ref))
	}
	s, err := c.Secrets.ResolveSecret(ctx, ref)
	if stderrors.Is(err, provider.ErrNotFound) {
		return nil, errors.ErrSecretNotFound.WithDetail(fmt.Sprintf("secret %q is not available", ref)).Wrap(err)
	}
	if err != nil {
		return nil, errors.ErrInternal.WithDetail("secret resolution failed").Wrap(err)
	}
	return s, nil
}

func newBearer(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	ref := str(cfg, "secret_ref", "")
	return &plugin.Native{
		Request: func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
			s, err := resolveSecret(ctx, c, ref)
			if err != nil {
				return plugin.Result{}, err
			}
			c.Request.Header.Set("Authorization", "Bearer "+s.Value)
			return plugin.Next(), nil
		},
	}, plugin.KindAuth, nil
}

// newAPIKeyHeader sends the secret in a header named by the config, the
// secret's header_name metadata, or X-API-Key.
func newAPIKeyHeader(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	ref := str(cfg, "secret_ref", "")
	header := str(cfg, "header_name", "")
	prefix := str(cfg, "prefix", "")
	return &plugin.Native{
		Request: func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
			s, err := resolveSecret(ctx, c, ref)
			if err != nil {
				return plugin.Result{}, err
			}
			name := header
			if name == "" {
				name = s.Metadata["header_name"]
			}
			if name == "" {
				name = "X-API-Key"
			}
			c.Request.Header.Set(http.CanonicalHeaderKey(name), prefix+s.Value)
			return plugin.Next(), nil
		},
	}, plugin.KindAuth, nil
}

// newJWTAssertion signs a short-lived HS256 assertion with the secret.
func newJWTAssertion(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	ref := str(cfg, "secret_ref", "")
	issuer := str(cfg, "issuer", "oagw")
	audience := str(cfg, "audience", "")
	subject := str(cfg, "subject", "")
	header := str(cfg, "header_name", "Authorization")
	ttl, err := duration(cfg, "ttl", 5*time.Minute)
	if err != nil {
		return nil, "", err
	}
	return &plugin.Native{
		Request: func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
			s, err := resolveSecret(ctx, c, ref)
			if err != nil {
				return plugin.Result{}, err
			}
			now := time.Now()
			aud, sub := audience, subject
			if aud == "" {
				aud = c.Alias
			}
			if sub == "" {
				sub = c.TenantID
			}
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   sub,
				Audience:  jwt.ClaimStrings{aud},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				ID:        uuid.NewString(),
			})
			signed, err := token.SignedString([]byte(s.Value))
			if err != nil {
				return plugin.Result{}, errors.ErrInternal.WithDetail("failed to sign assertion").Wrap(err)
			}
			value := signed
			if http.CanonicalHeaderKey(header) == "Authorization" {
				value = "Bearer " + signed
			}
			c.Request.Header.Set(header, value)
			return plugin.Next(), nil
		},
	}, plugin.KindAuth, nil
}
