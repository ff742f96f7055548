package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/authz"
)

// identityContextKey is where Authorize stores the verified identity for
// downstream handlers.
const identityContextKey = "authz_identity"

// Authorize verifies the bearer token and attaches the resulting identity
// to the request context, for deployments that embed the engine in-process
// instead of calling the decision endpoints. The operation is inferred from
// the HTTP method; resourceType comes from the route's :type parameter when
// present.
func Authorize(a *authz.Authorizer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request())
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			identity, err := a.VerifyAccessToken(c.Request().Context(), authz.VerifyAccessTokenRequest{
				AccessToken:  token,
				Operation:    operationForMethod(c.Request().Method, c.Param("id") != ""),
				ResourceType: c.Param("type"),
			})
			if err != nil {
				if authz.IsConfigError(err) {
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "configuration error"})
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.Set(identityContextKey, identity)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity Authorize attached, or nil.
func IdentityFrom(c echo.Context) *authz.UserIdentity {
	identity, _ := c.Get(identityContextKey).(*authz.UserIdentity)
	return identity
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}

func operationForMethod(method string, hasID bool) authz.Operation {
	switch method {
	case http.MethodPost:
		return authz.OperationCreate
	case http.MethodPut:
		return authz.OperationUpdate
	case http.MethodPatch:
		return authz.OperationPatch
	case http.MethodDelete:
		return authz.OperationDelete
	case http.MethodGet:
		if hasID {
			return authz.OperationRead
		}
		return authz.OperationSearchType
	default:
		return authz.OperationRead
	}
}
