package authz

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EngineVersion is the decision-pipeline version this build implements.
// Construction fails when the deployment config names any other version, so
// a config written against different semantics cannot silently run here.
const EngineVersion = "1.0.0"

// Config is the construction-time configuration of the engine. ScopeRule
// and the reference matrix are immutable after New returns.
type Config struct {
	Version     string
	FHIRVersion string

	ScopeKey                string
	FHIRUserClaimPath       string
	LaunchContextPathPrefix string
	ScopeRule               ScopeRule

	ExpectedIssValue string
	ExpectedAudValue string
	ExpectedAudRegex string

	JWKSEndpoint       string
	JWKSHeaders        map[string]string
	TokenIntrospection *IntrospectionConfig

	ServerBaseURL       string
	AdminAccessTypes    []string
	BulkDataAccessTypes []string

	IsUserScopeAllowedForSystemExport bool

	Logger zerolog.Logger
}

// Authorizer is the façade the host API layer consumes. Every public
// operation is request scoped; the only shared state is immutable
// configuration plus the JWKS key cache, so instances are safe for
// concurrent use.
type Authorizer struct {
	cfg      Config
	matrix   *ReferenceMatrix
	verifier *tokenVerifier
	log      zerolog.Logger
}

// New validates the configuration and builds the engine. Exactly one token
// verification mode must be configured.
func New(cfg Config) (*Authorizer, error) {
	if cfg.Version != EngineVersion {
		return nil, NewConfigError(fmt.Sprintf("config version %q does not match engine version %q", cfg.Version, EngineVersion))
	}
	hasJWKS := cfg.JWKSEndpoint != ""
	hasIntrospection := cfg.TokenIntrospection != nil
	if hasJWKS == hasIntrospection {
		return nil, NewConfigError("exactly one of jwksEndpoint and tokenIntrospection must be configured")
	}

	matrix, err := LoadReferenceMatrix()
	if err != nil {
		return nil, NewConfigError(err.Error())
	}
	if _, err := matrix.BaseResourceTypes(cfg.FHIRVersion); err != nil {
		return nil, err
	}

	if cfg.ScopeKey == "" {
		cfg.ScopeKey = "scp"
	}
	if cfg.ScopeRule == nil {
		cfg.ScopeRule = DefaultScopeRule()
	}
	cfg.ServerBaseURL = strings.TrimRight(cfg.ServerBaseURL, "/")

	verifier := &tokenVerifier{
		expectedIss: cfg.ExpectedIssValue,
		expectedAud: cfg.ExpectedAudValue,
		log:         cfg.Logger,
	}
	if cfg.ExpectedAudRegex != "" {
		re, err := regexp.Compile(cfg.ExpectedAudRegex)
		if err != nil {
			return nil, NewConfigError(fmt.Sprintf("invalid audience pattern: %v", err))
		}
		verifier.audRegex = re
	}
	if hasJWKS {
		verifier.jwks = NewJWKSCache(cfg.JWKSEndpoint, cfg.JWKSHeaders)
	} else {
		verifier.introspect = newIntrospectionClient(*cfg.TokenIntrospection)
	}

	return &Authorizer{
		cfg:      cfg,
		matrix:   matrix,
		verifier: verifier,
		log:      cfg.Logger,
	}, nil
}

// Matrix exposes the loaded reference data (read-only).
func (a *Authorizer) Matrix() *ReferenceMatrix { return a.matrix }

// UserIdentity is the verified caller: the token's subject, its full and
// usable scope sets, and the derived identities. UsableScopes is always a
// subset of Scopes. FHIRUserObject is attached only when a user scope is
// usable; PatientLaunchContext only when a patient scope is.
type UserIdentity struct {
	Subject              string    `json:"sub"`
	Scopes               []string  `json:"scopes"`
	UsableScopes         []string  `json:"usableScopes"`
	FHIRUserObject       *Identity `json:"fhirUserObject,omitempty"`
	PatientLaunchContext *Identity `json:"patientLaunchContext,omitempty"`
}

// VerifyAccessTokenRequest describes the attempted operation alongside the
// bearer token.
type VerifyAccessTokenRequest struct {
	AccessToken        string        `json:"accessToken"`
	Operation          Operation     `json:"operation"`
	ResourceType       string        `json:"resourceType,omitempty"`
	BulkDataAuth       *BulkDataAuth `json:"bulkDataAuth,omitempty"`
	FHIRServiceBaseURL string        `json:"fhirServiceBaseUrl,omitempty"`
}

// resolveBaseURL applies the default-resolution rule for the per-request
// base URL: an explicit request value wins, otherwise the configured server
// base URL.
func (a *Authorizer) resolveBaseURL(requestBaseURL string) string {
	if requestBaseURL != "" {
		return strings.TrimRight(requestBaseURL, "/")
	}
	return a.cfg.ServerBaseURL
}

// deny logs the concrete cause and returns the one opaque denial.
func (a *Authorizer) deny(cause string, fields map[string]string) error {
	ev := a.log.Debug().Str("cause", cause)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("authorization denied")
	return ErrUnauthorized
}

// VerifyAccessToken authenticates the token, derives the caller identity,
// and computes the scopes usable for the attempted operation. An empty
// usable set is a denial. Bulk-export requests additionally require a
// subject claim and, absent a usable system scope, a locally issued caller
// identity of a bulk-data eligible resource type.
func (a *Authorizer) VerifyAccessToken(ctx context.Context, req VerifyAccessTokenRequest) (*UserIdentity, error) {
	claims, err := a.verifier.Verify(ctx, req.AccessToken)
	if err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	fhirUserClaim, _ := claims[a.cfg.FHIRUserClaimPath].(string)
	patientClaim, _ := claims[a.cfg.LaunchContextPathPrefix+"patient"].(string)
	scopes := ParseScopes(claims[a.cfg.ScopeKey])

	usable := FilterUsableScopes(scopes, a.cfg.ScopeRule, req.Operation,
		a.cfg.IsUserScopeAllowedForSystemExport, req.ResourceType, req.BulkDataAuth,
		fhirUserClaim != "", patientClaim != "")
	if len(usable) == 0 {
		return nil, a.deny("no usable scope for operation", map[string]string{
			"operation":    string(req.Operation),
			"resourceType": req.ResourceType,
		})
	}

	baseURL := a.resolveBaseURL(req.FHIRServiceBaseURL)

	if req.BulkDataAuth != nil {
		if sub == "" {
			return nil, a.deny("bulk export token has no subject", nil)
		}
		if !hasUsableScopeType(usable, ScopeTypeSystem) {
			caller, err := ParseCallerIdentity(fhirUserClaim)
			if err != nil {
				return nil, a.deny("bulk export caller identity unparseable", nil)
			}
			if caller.Hostname != baseURL || !containsString(a.cfg.BulkDataAccessTypes, caller.ResourceType) {
				return nil, a.deny("caller not eligible for bulk export", map[string]string{
					"resourceType": caller.ResourceType,
				})
			}
		}
	}

	identity := &UserIdentity{
		Subject:      sub,
		Scopes:       scopes,
		UsableScopes: usable,
	}
	if hasUsableScopeType(usable, ScopeTypeUser) {
		caller, err := ParseCallerIdentity(fhirUserClaim)
		if err != nil {
			return nil, a.deny("caller identity unparseable", nil)
		}
		identity.FHIRUserObject = &caller
	}
	if hasUsableScopeType(usable, ScopeTypePatient) {
		patient, err := ParseResourceIdentity(patientClaim, baseURL)
		if err != nil {
			return nil, a.deny("patient launch context unparseable", nil)
		}
		identity.PatientLaunchContext = &patient
	}
	return identity, nil
}

// IsAccessBulkDataJobAllowed permits access to an export job only to the
// identity that created it.
func (a *Authorizer) IsAccessBulkDataJobAllowed(identity *UserIdentity, jobOwnerID string) error {
	if identity == nil || identity.Subject == "" || identity.Subject != jobOwnerID {
		return a.deny("export job not owned by caller", map[string]string{"jobOwner": jobOwnerID})
	}
	return nil
}

// SearchFilter is a constraint the data layer applies to restrict search
// results to resources the caller may see.
type SearchFilter struct {
	Key                string   `json:"key"`
	Value              []string `json:"value"`
	ComparisonOperator string   `json:"comparisonOperator"`
	LogicalOperator    string   `json:"logicalOperator"`
}

// GetSearchFilterBasedOnIdentity derives the data-layer restriction for a
// search. System-wide access and admins get no restriction. Otherwise each
// derived identity contributes its absolute reference, its relative
// reference when locally issued, and a direct id match when the requested
// type equals the identity's own type.
func (a *Authorizer) GetSearchFilterBasedOnIdentity(ctx context.Context, identity *UserIdentity, requestedResourceType, requestBaseURL string) ([]SearchFilter, error) {
	if identity == nil {
		return nil, a.deny("search filter requested without identity", nil)
	}
	if HasSystemAccess(identity.UsableScopes, "") {
		return []SearchFilter{}, nil
	}
	baseURL := a.resolveBaseURL(requestBaseURL)
	if identity.FHIRUserObject != nil && IsAdmin(*identity.FHIRUserObject, a.cfg.AdminAccessTypes, baseURL) {
		return []SearchFilter{}, nil
	}

	var references, ids []string
	for _, id := range []*Identity{identity.FHIRUserObject, identity.PatientLaunchContext} {
		if id == nil {
			continue
		}
		references = append(references, id.Reference())
		if id.Hostname == baseURL {
			references = append(references, id.RelativeReference())
		}
		if requestedResourceType != "" && requestedResourceType == id.ResourceType {
			ids = append(ids, id.ID)
		}
	}

	var filters []SearchFilter
	if len(references) > 0 {
		filters = append(filters, SearchFilter{
			Key:                "_references",
			Value:              references,
			ComparisonOperator: "==",
			LogicalOperator:    "OR",
		})
	}
	if len(ids) > 0 {
		filters = append(filters, SearchFilter{
			Key:                "id",
			Value:              ids,
			ComparisonOperator: "==",
			LogicalOperator:    "OR",
		})
	}
	return filters, nil
}

// BundleEntry is one operation inside a transaction or batch bundle.
type BundleEntry struct {
	Operation    Operation      `json:"operation"`
	ResourceType string         `json:"resourceType"`
	Resource     map[string]any `json:"resource,omitempty"`
}

// IsBundleRequestAuthorized authorizes a bundle as a whole. Usable scopes
// are recomputed for the bundle from the identity's full scope set (the
// outer request's operation-filtered set does not transfer). Every entry
// needs a sufficient scope, and every mutating entry additionally needs a
// positive resource access decision; the entry checks run concurrently and
// any failure denies the entire bundle.
func (a *Authorizer) IsBundleRequestAuthorized(ctx context.Context, entries []BundleEntry, identity *UserIdentity, requestBaseURL string) error {
	if identity == nil {
		return a.deny("bundle request without identity", nil)
	}
	baseURL := a.resolveBaseURL(requestBaseURL)

	usable := contextuallyEligibleScopes(identity.Scopes,
		identity.FHIRUserObject != nil, identity.PatientLaunchContext != nil)

	for _, entry := range entries {
		if !anyScopeSufficient(usable, a.cfg.ScopeRule, entry.Operation,
			a.cfg.IsUserScopeAllowedForSystemExport, entry.ResourceType) {
			return a.deny("bundle entry has no sufficient scope", map[string]string{
				"operation":    string(entry.Operation),
				"resourceType": entry.ResourceType,
			})
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, entry := range entries {
		if !mutatingOperations[entry.Operation] {
			continue
		}
		entry := entry
		g.Go(func() error {
			ok, err := a.matrix.HasAccessToResource(identity.FHIRUserObject,
				identity.PatientLaunchContext, entry.Resource, usable,
				a.cfg.AdminAccessTypes, baseURL, a.cfg.FHIRVersion)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("entry %s %s denied", entry.Operation, entry.ResourceType)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if IsConfigError(err) {
			return err
		}
		return a.deny("bundle entry access denied", map[string]string{"detail": err.Error()})
	}
	return nil
}

// GetAllowedResourceTypesForOperation lists the resource types the
// identity's scopes permit for the operation. A wildcard scope short
// circuits to the complete per-version base type list; non-SMART scope
// strings are skipped.
func (a *Authorizer) GetAllowedResourceTypesForOperation(identity *UserIdentity, operation Operation) ([]string, error) {
	if identity == nil {
		return nil, a.deny("allowed types requested without identity", nil)
	}
	seen := map[string]bool{}
	var allowed []string
	for _, scope := range identity.Scopes {
		smartScope, err := ParseSmartScope(scope)
		if err != nil {
			continue
		}
		ops := ValidOperations(a.cfg.ScopeRule, smartScope.ScopeType, smartScope.AccessType)
		if !containsOperation(ops, operation) {
			continue
		}
		if smartScope.ResourceType == "*" {
			return a.matrix.BaseResourceTypes(a.cfg.FHIRVersion)
		}
		if !seen[smartScope.ResourceType] {
			seen[smartScope.ResourceType] = true
			allowed = append(allowed, smartScope.ResourceType)
		}
	}
	return allowed, nil
}

// AuthorizeAndFilterReadResponse applies the read contract: search-class
// responses are bundles whose entries are filtered individually with the
// reported total recomputed; any other response is a single resource
// returned whole or denied whole.
func (a *Authorizer) AuthorizeAndFilterReadResponse(ctx context.Context, operation Operation, response map[string]any, identity *UserIdentity, requestBaseURL string) (map[string]any, error) {
	if identity == nil {
		return nil, a.deny("read response without identity", nil)
	}
	baseURL := a.resolveBaseURL(requestBaseURL)

	if !searchTypeOperations[operation] {
		ok, err := a.matrix.HasAccessToResource(identity.FHIRUserObject,
			identity.PatientLaunchContext, response, identity.UsableScopes,
			a.cfg.AdminAccessTypes, baseURL, a.cfg.FHIRVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, a.deny("read access denied", map[string]string{"operation": string(operation)})
		}
		return response, nil
	}

	rawEntries, _ := response["entry"].([]any)
	kept := make([]any, 0, len(rawEntries))
	dropped := 0
	for _, raw := range rawEntries {
		entry, ok := raw.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		resource, _ := entry["resource"].(map[string]any)
		allowed, err := a.matrix.HasAccessToResource(identity.FHIRUserObject,
			identity.PatientLaunchContext, resource, identity.UsableScopes,
			a.cfg.AdminAccessTypes, baseURL, a.cfg.FHIRVersion)
		if err != nil {
			return nil, err
		}
		if allowed {
			kept = append(kept, entry)
		} else {
			dropped++
		}
	}

	filtered := make(map[string]any, len(response))
	for k, v := range response {
		filtered[k] = v
	}
	filtered["entry"] = kept
	if total, ok := response["total"].(float64); ok {
		filtered["total"] = total - float64(dropped)
	} else {
		filtered["total"] = float64(len(kept))
	}
	return filtered, nil
}

// IsWriteRequestAuthorized is the all-or-nothing access decision on a write
// body.
func (a *Authorizer) IsWriteRequestAuthorized(ctx context.Context, operation Operation, body map[string]any, identity *UserIdentity, requestBaseURL string) error {
	if identity == nil {
		return a.deny("write request without identity", nil)
	}
	baseURL := a.resolveBaseURL(requestBaseURL)
	ok, err := a.matrix.HasAccessToResource(identity.FHIRUserObject,
		identity.PatientLaunchContext, body, identity.UsableScopes,
		a.cfg.AdminAccessTypes, baseURL, a.cfg.FHIRVersion)
	if err != nil {
		return err
	}
	if !ok {
		return a.deny("write access denied", map[string]string{"operation": string(operation)})
	}
	return nil
}

// contextuallyEligibleScopes keeps the scopes whose actor class is backed by
// an available identity: system always, user only with a caller identity,
// patient only with a launch context.
func contextuallyEligibleScopes(scopes []string, hasFHIRUser, hasPatientContext bool) []string {
	var eligible []string
	for _, scope := range scopes {
		smartScope, err := ParseSmartScope(scope)
		if err != nil {
			continue
		}
		switch smartScope.ScopeType {
		case ScopeTypeUser:
			if !hasFHIRUser {
				continue
			}
		case ScopeTypePatient:
			if !hasPatientContext {
				continue
			}
		}
		eligible = append(eligible, scope)
	}
	return eligible
}

func anyScopeSufficient(scopes []string, rule ScopeRule, operation Operation, userScopeAllowedForSystemExport bool, resourceType string) bool {
	for _, scope := range scopes {
		if IsScopeSufficient(scope, rule, operation, userScopeAllowedForSystemExport, resourceType, nil) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
