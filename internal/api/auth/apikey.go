// Package auth resolves the identity making a request from the API key it
// presents. Keys belonging to a client resolve to that client, while the
// configured admin key resolves to the admin identity.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/hbomb79/Hoard/internal/api/util"
	"github.com/hbomb79/Hoard/internal/client"
	"github.com/hbomb79/Hoard/internal/download"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/labstack/echo/v4"
)

const (
	APIKeyHeader     = "X-Api-Key"
	APIKeyQueryParam = "key"

	identityContextKey = "hoard-identity"
)

var log = logger.Get("Auth")

type (
	Store interface {
		GetClientWithAPIKey(apiKey string) (*client.Client, error)
	}

	apiKeyAuthProvider struct {
		store    Store
		adminKey []byte
	}
)

// NewAPIKeyAuth creates an auth provider which looks up client API keys in
// the store provided. An empty adminKey disables the admin identity.
func NewAPIKeyAuth(store Store, adminKey string) *apiKeyAuthProvider {
	return &apiKeyAuthProvider{store: store, adminKey: []byte(adminKey)}
}

// GetIdentityMiddleware returns a middleware which rejects any request that
// does not present a valid API key. The identity of accepted requests is
// stored in the echo context (see IdentityFromContext).
func (auth *apiKeyAuthProvider) GetIdentityMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			identity, err := auth.resolve(ec)
			if err != nil {
				return err
			}

			ec.Set(identityContextKey, identity)
			return next(ec)
		}
	}
}

// GetAdminMiddleware returns a middleware which only permits requests
// presenting the admin key.
func (auth *apiKeyAuthProvider) GetAdminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			identity, err := auth.resolve(ec)
			if err != nil {
				return err
			}
			if !identity.Admin {
				return util.ErrAPIForbidden
			}

			ec.Set(identityContextKey, identity)
			return next(ec)
		}
	}
}

func (auth *apiKeyAuthProvider) resolve(ec echo.Context) (*download.Identity, error) {
	key := strings.TrimSpace(ec.Request().Header.Get(APIKeyHeader))
	if key == "" {
		key = strings.TrimSpace(ec.QueryParam(APIKeyQueryParam))
	}
	if key == "" {
		return nil, util.ErrAPIUnauthorized
	}

	if len(auth.adminKey) > 0 && subtle.ConstantTimeCompare([]byte(key), auth.adminKey) == 1 {
		return &download.Identity{Admin: true}, nil
	}

	if !client.LooksLikeAPIKey(key) {
		return nil, util.ErrAPIUnauthorized
	}

	c, err := auth.store.GetClientWithAPIKey(key)
	if err != nil {
		if errors.Is(err, client.ErrClientNotFound) {
			return nil, util.ErrAPIUnauthorized
		}

		log.Errorf("Failed to look up API key: %v\n", err)
		return nil, util.ServiceError(err)
	}

	return &download.Identity{ClientID: c.ID}, nil
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ec echo.Context) (download.Identity, error) {
	identity, ok := ec.Get(identityContextKey).(*download.Identity)
	if !ok || identity == nil {
		return download.Identity{}, util.ErrAPIUnauthorized
	}

	return *identity, nil
}
