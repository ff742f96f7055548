package authz

import (
	"context"
	"fmt"
	"regexp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// tokenVerifier authenticates bearer tokens. Exactly one verification mode
// is active: signature verification against a JWKS key set, or remote
// introspection. Every failure collapses to ErrUnauthorized; the concrete
// cause is written to the log only, so a caller cannot probe which part of
// a token was rejected.
type tokenVerifier struct {
	expectedIss string
	expectedAud string
	audRegex    *regexp.Regexp

	jwks       *JWKSCache
	introspect *introspectionClient

	log zerolog.Logger
}

// Verify runs the full pipeline and returns the token's claims on success.
func (v *tokenVerifier) Verify(ctx context.Context, token string) (jwt.MapClaims, error) {
	claims, err := v.decodeUnverified(token)
	if err != nil {
		return nil, v.deny("token decode failed", err)
	}
	if err := v.checkIssuer(claims); err != nil {
		return nil, v.deny("issuer check failed", err)
	}
	if err := v.checkAudience(claims); err != nil {
		return nil, v.deny("audience check failed", err)
	}

	if v.introspect != nil {
		if err := v.introspect.Introspect(ctx, token); err != nil {
			return nil, v.deny("introspection failed", err)
		}
		return claims, nil
	}

	verified, err := v.verifySignature(token)
	if err != nil {
		return nil, v.deny("signature verification failed", err)
	}
	return verified, nil
}

func (v *tokenVerifier) decodeUnverified(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *tokenVerifier) checkIssuer(claims jwt.MapClaims) error {
	iss, _ := claims["iss"].(string)
	if iss != v.expectedIss {
		return fmt.Errorf("issuer %q does not match expected issuer", iss)
	}
	return nil
}

// checkAudience normalizes the aud claim to a list and passes if any entry
// equals the expected audience or matches the configured audience pattern.
func (v *tokenVerifier) checkAudience(claims jwt.MapClaims) error {
	var audiences []string
	switch aud := claims["aud"].(type) {
	case string:
		audiences = []string{aud}
	case []any:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				audiences = append(audiences, s)
			}
		}
	}
	for _, a := range audiences {
		if a == v.expectedAud {
			return nil
		}
		if v.audRegex != nil && v.audRegex.MatchString(a) {
			return nil
		}
	}
	return fmt.Errorf("audience claim does not include expected audience")
}

func (v *tokenVerifier) verifySignature(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.expectedIss),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(token, claims, v.jwks.keyFunc)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token invalid")
	}
	return claims, nil
}

// deny logs the cause and returns the one opaque denial.
func (v *tokenVerifier) deny(stage string, cause error) error {
	v.log.Debug().Err(cause).Str("stage", stage).Msg("access token rejected")
	return ErrUnauthorized
}
