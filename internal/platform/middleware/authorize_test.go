package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/authz"
)

const (
	authTestIssuer  = "https://idp.example.com"
	authTestAud     = "https://api.example.com"
	authTestBaseURL = "https://api.example.com"
)

func newTestEngine(t *testing.T) (*authz.Authorizer, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eBytes := []byte{byte(key.E >> 16), byte(key.E >> 8), byte(key.E)}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "k1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(eBytes),
			}},
		})
	}))
	t.Cleanup(jwks.Close)

	engine, err := authz.New(authz.Config{
		Version:                 authz.EngineVersion,
		FHIRVersion:             authz.FHIRVersionR4,
		FHIRUserClaimPath:       "fhirUser",
		LaunchContextPathPrefix: "launch_response_",
		ExpectedIssValue:        authTestIssuer,
		ExpectedAudValue:        authTestAud,
		JWKSEndpoint:            jwks.URL,
		ServerBaseURL:           authTestBaseURL,
		Logger:                  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	return engine, key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthorize(t *testing.T) {
	engine, key := newTestEngine(t)

	e := echo.New()
	e.GET("/fhir/:type/:id", func(c echo.Context) error {
		identity := IdentityFrom(c)
		if identity == nil {
			t.Error("identity missing from context")
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, identity)
	}, Authorize(engine))

	token := signToken(t, key, jwt.MapClaims{
		"iss":                     authTestIssuer,
		"aud":                     authTestAud,
		"sub":                     "user-1",
		"exp":                     time.Now().Add(time.Hour).Unix(),
		"scp":                     "patient/Patient.read",
		"launch_response_patient": "Patient/123",
	})

	t.Run("valid bearer token passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/123", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing token is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/123", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("garbage token is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/123", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer garbage")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("scope does not cover type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/Observation/5", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}
