package authz

import (
	"fmt"
	"regexp"
	"strings"
)

// Operation names the FHIR interaction a request is attempting. The set
// mirrors the REST interaction vocabulary the rule table is written against.
type Operation string

const (
	OperationCreate          Operation = "create"
	OperationRead            Operation = "read"
	OperationVRead           Operation = "vread"
	OperationUpdate          Operation = "update"
	OperationPatch           Operation = "patch"
	OperationDelete          Operation = "delete"
	OperationHistoryType     Operation = "history-type"
	OperationHistoryInstance Operation = "history-instance"
	OperationHistorySystem   Operation = "history-system"
	OperationSearchType      Operation = "search-type"
	OperationSearchSystem    Operation = "search-system"
	OperationTransaction     Operation = "transaction"
)

// searchTypeOperations are the operations whose read responses are bundles
// that get filtered entry by entry rather than allowed or denied whole.
var searchTypeOperations = map[Operation]bool{
	OperationSearchType:      true,
	OperationSearchSystem:    true,
	OperationHistoryType:     true,
	OperationHistoryInstance: true,
	OperationHistorySystem:   true,
}

// mutatingOperations are the bundle-entry operations that require a resource
// level access decision in addition to a sufficient scope.
var mutatingOperations = map[Operation]bool{
	OperationCreate: true,
	OperationUpdate: true,
	OperationPatch:  true,
	OperationDelete: true,
}

// ScopeType is the actor class of a SMART scope.
type ScopeType string

const (
	ScopeTypePatient ScopeType = "patient"
	ScopeTypeUser    ScopeType = "user"
	ScopeTypeSystem  ScopeType = "system"
)

// AccessModifier is the access family encoded in a SMART scope.
type AccessModifier string

const (
	AccessRead  AccessModifier = "read"
	AccessWrite AccessModifier = "write"
	AccessAll   AccessModifier = "*"
)

// SmartScope is a parsed SMART on FHIR scope of the form
// {patient|user|system}/{ResourceType|*}.{read|write|*}.
type SmartScope struct {
	ScopeType    ScopeType
	ResourceType string
	AccessType   AccessModifier
}

// ScopeRule maps (scope type, access modifier) to the operations that access
// family permits. It is provided once at construction and never mutated, so
// it is safe for concurrent reads.
type ScopeRule map[ScopeType]map[AccessModifier][]Operation

// DefaultScopeRule returns the rule table used when the deployment does not
// supply its own: the read family covers every read-class interaction and
// the write family covers every mutation, for all three scope types.
func DefaultScopeRule() ScopeRule {
	read := []Operation{
		OperationRead, OperationVRead, OperationSearchType,
		OperationSearchSystem, OperationHistoryType,
		OperationHistoryInstance, OperationHistorySystem,
	}
	write := []Operation{
		OperationCreate, OperationUpdate, OperationPatch,
		OperationDelete, OperationTransaction,
	}
	rule := ScopeRule{}
	for _, st := range []ScopeType{ScopeTypePatient, ScopeTypeUser, ScopeTypeSystem} {
		rule[st] = map[AccessModifier][]Operation{
			AccessRead:  read,
			AccessWrite: write,
		}
	}
	return rule
}

var smartScopeRegex = regexp.MustCompile(
	`^(?P<scopeType>patient|user|system)/(?P<resourceType>[A-Z][a-zA-Z]+|\*)\.(?P<accessType>read|write|\*)$`)

// ParseSmartScope parses a single SMART scope string. Scope strings that are
// not resource scopes (openid, profile, launch, ...) fail conversion; callers
// enumerating scopes skip them rather than propagating the error.
func ParseSmartScope(scope string) (SmartScope, error) {
	m := smartScopeRegex.FindStringSubmatch(scope)
	if m == nil {
		return SmartScope{}, fmt.Errorf("not a SMART resource scope: %q", scope)
	}
	return SmartScope{
		ScopeType:    ScopeType(m[smartScopeRegex.SubexpIndex("scopeType")]),
		ResourceType: m[smartScopeRegex.SubexpIndex("resourceType")],
		AccessType:   AccessModifier(m[smartScopeRegex.SubexpIndex("accessType")]),
	}, nil
}

// ParseScopes normalizes a token's scope claim into a list of scope strings.
// Identity providers emit the claim either as a whitespace-delimited string
// or as a list; both forms are accepted.
func ParseScopes(claim any) []string {
	switch v := claim.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ValidOperations returns the operations the rule table grants for the given
// scope type and access modifier. The "*" modifier is the union of the read
// and write families.
func ValidOperations(rule ScopeRule, scopeType ScopeType, access AccessModifier) []Operation {
	byAccess, ok := rule[scopeType]
	if !ok {
		return nil
	}
	if access == AccessAll {
		ops := append([]Operation{}, byAccess[AccessRead]...)
		return append(ops, byAccess[AccessWrite]...)
	}
	return byAccess[access]
}

// BulkDataAuth describes a bulk-export request being authorized: which
// export operation is attempted and at what granularity.
type BulkDataAuth struct {
	Operation  string `json:"operation"`
	ExportType string `json:"exportType,omitempty"`
}

// bulkExportOperations are the export job operations a system-wide scope may
// perform.
var bulkExportOperations = map[string]bool{
	"initiate-export":   true,
	"get-status-export": true,
	"cancel-export":     true,
}

// IsScopeSufficient reports whether a single scope permits the attempted
// operation. Bulk-export authorization requires a wildcard resource type and
// read access; user scopes only qualify for export when the deployment opts
// in. Outside bulk export, the rule table must list the operation and the
// scope's resource type must match the requested one exactly or be "*".
func IsScopeSufficient(scope string, rule ScopeRule, operation Operation, userScopeAllowedForSystemExport bool, resourceType string, bulkDataAuth *BulkDataAuth) bool {
	smartScope, err := ParseSmartScope(scope)
	if err != nil {
		return false
	}
	validOps := ValidOperations(rule, smartScope.ScopeType, smartScope.AccessType)

	if bulkDataAuth != nil {
		if smartScope.ScopeType == ScopeTypePatient {
			return false
		}
		if smartScope.ScopeType == ScopeTypeUser && !userScopeAllowedForSystemExport {
			return false
		}
		return bulkExportOperations[bulkDataAuth.Operation] &&
			smartScope.ResourceType == "*" &&
			containsOperation(validOps, OperationRead)
	}

	if !containsOperation(validOps, operation) {
		return false
	}
	return smartScope.ResourceType == "*" || smartScope.ResourceType == resourceType
}

// FilterUsableScopes retains the scopes that are both contextually available
// and sufficient for the attempted operation. System scopes are always
// eligible; user scopes require a caller identity claim on the token and
// patient scopes require a patient launch context claim.
func FilterUsableScopes(scopes []string, rule ScopeRule, operation Operation, userScopeAllowedForSystemExport bool, resourceType string, bulkDataAuth *BulkDataAuth, hasFHIRUserClaim, hasPatientContextClaim bool) []string {
	var usable []string
	for _, scope := range scopes {
		smartScope, err := ParseSmartScope(scope)
		if err != nil {
			continue
		}
		switch smartScope.ScopeType {
		case ScopeTypeSystem:
		case ScopeTypeUser:
			if !hasFHIRUserClaim {
				continue
			}
		case ScopeTypePatient:
			if !hasPatientContextClaim {
				continue
			}
		}
		if IsScopeSufficient(scope, rule, operation, userScopeAllowedForSystemExport, resourceType, bulkDataAuth) {
			usable = append(usable, scope)
		}
	}
	return usable
}

// hasUsableScopeType reports whether any scope in the list is of the given
// scope type.
func hasUsableScopeType(scopes []string, scopeType ScopeType) bool {
	for _, scope := range scopes {
		if strings.HasPrefix(scope, string(scopeType)+"/") {
			return true
		}
	}
	return false
}

func containsOperation(ops []Operation, op Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
