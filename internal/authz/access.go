package authz

import "strings"

// HasSystemAccess reports whether any usable scope grants system-wide access
// to the given resource type, via system/* or system/<Type>.
func HasSystemAccess(usableScopes []string, resourceType string) bool {
	for _, scope := range usableScopes {
		smartScope, err := ParseSmartScope(scope)
		if err != nil || smartScope.ScopeType != ScopeTypeSystem {
			continue
		}
		if smartScope.ResourceType == "*" || smartScope.ResourceType == resourceType {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the identity is a locally issued admin: its
// hostname must equal the server base URL and its resource type must be one
// of the configured admin types.
func IsAdmin(identity Identity, adminResourceTypes []string, serverBaseURL string) bool {
	if identity.Hostname != strings.TrimRight(serverBaseURL, "/") {
		return false
	}
	for _, t := range adminResourceTypes {
		if identity.ResourceType == t {
			return true
		}
	}
	return false
}

// hasReference decides the relationship channel for one requestor identity
// against one resource. An external requestor (hostname differs from the
// server base URL) must appear as a fully qualified absolute reference. A
// local requestor is granted on a direct identity match (the resource IS the
// requestor) or on a reference match against both the relative and absolute
// candidate forms.
func (m *ReferenceMatrix) hasReference(requestor Identity, resource map[string]any, serverBaseURL, fhirVersion string) (bool, error) {
	base := strings.TrimRight(serverBaseURL, "/")
	if requestor.Hostname != base {
		return m.IsReferenced([]string{requestor.Reference()}, requestor.ResourceType, resource, fhirVersion)
	}
	resourceType, _ := resource["resourceType"].(string)
	resourceID, _ := resource["id"].(string)
	if resourceType == requestor.ResourceType && resourceID == requestor.ID {
		return true, nil
	}
	candidates := []string{requestor.RelativeReference(), requestor.Reference()}
	return m.IsReferenced(candidates, requestor.ResourceType, resource, fhirVersion)
}

// HasAccessToResource is the union of the three access channels: system
// scope for the resource's type, the caller identity being an admin or
// referenced by the resource, and the patient launch context being
// referenced by the resource. Any true channel grants access; configuration
// faults from the reference matcher propagate instead of denying.
func (m *ReferenceMatrix) HasAccessToResource(fhirUser, patientContext *Identity, resource map[string]any, usableScopes, adminResourceTypes []string, serverBaseURL, fhirVersion string) (bool, error) {
	resourceType, _ := resource["resourceType"].(string)
	if HasSystemAccess(usableScopes, resourceType) {
		return true, nil
	}
	if fhirUser != nil {
		if IsAdmin(*fhirUser, adminResourceTypes, serverBaseURL) {
			return true, nil
		}
		ok, err := m.hasReference(*fhirUser, resource, serverBaseURL, fhirVersion)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	if patientContext != nil {
		ok, err := m.hasReference(*patientContext, resource, serverBaseURL, fhirVersion)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
