package authz

import (
	"fmt"
	"regexp"
	"strings"
)

// Identity is the parsed canonical form of a FHIR reference string: the
// scheme-qualified hostname (which may include a path prefix), the resource
// type, and the logical id.
type Identity struct {
	Hostname     string `json:"hostname"`
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Reference returns the absolute reference form "hostname/Type/id".
func (i Identity) Reference() string {
	return i.Hostname + "/" + i.ResourceType + "/" + i.ID
}

// RelativeReference returns the relative reference form "Type/id".
func (i Identity) RelativeReference() string {
	return i.ResourceType + "/" + i.ID
}

// Caller references must be absolute and point at a person-like resource.
// Resource references found inside payload data may be relative, in which
// case the server base URL is substituted, and may point at any resource
// type. Both grammars are conformance contracts and must not drift.
var (
	callerIdentityRegex = regexp.MustCompile(
		`^(?P<hostname>(http|https)://[A-Za-z0-9\-.:%$_/]+)/(?P<resourceType>Person|Practitioner|RelatedPerson|Patient)/(?P<id>[A-Za-z0-9\-.]+)$`)

	resourceIdentityRegex = regexp.MustCompile(
		`^((?P<hostname>(http|https)://[A-Za-z0-9\-.:%$_/]+)/)?(?P<resourceType>[A-Z][a-zA-Z]+)/(?P<id>[A-Za-z0-9\-.]+)$`)
)

// ParseCallerIdentity parses a fhirUser-style reference. The hostname is
// required and must be scheme-qualified. On non-match it fails with a
// generic malformed-identity denial; it never partially parses.
func ParseCallerIdentity(value string) (Identity, error) {
	m := callerIdentityRegex.FindStringSubmatch(value)
	if m == nil {
		return Identity{}, fmt.Errorf("malformed caller identity %q: %w", value, ErrUnauthorized)
	}
	return Identity{
		Hostname:     m[callerIdentityRegex.SubexpIndex("hostname")],
		ResourceType: m[callerIdentityRegex.SubexpIndex("resourceType")],
		ID:           m[callerIdentityRegex.SubexpIndex("id")],
	}, nil
}

// ParseResourceIdentity parses a reference found in resource payload data.
// The hostname is optional; when absent, defaultHostname is substituted.
func ParseResourceIdentity(value, defaultHostname string) (Identity, error) {
	m := resourceIdentityRegex.FindStringSubmatch(value)
	if m == nil {
		return Identity{}, fmt.Errorf("malformed resource identity %q: %w", value, ErrUnauthorized)
	}
	hostname := m[resourceIdentityRegex.SubexpIndex("hostname")]
	if hostname == "" {
		hostname = strings.TrimRight(defaultHostname, "/")
	}
	return Identity{
		Hostname:     hostname,
		ResourceType: m[resourceIdentityRegex.SubexpIndex("resourceType")],
		ID:           m[resourceIdentityRegex.SubexpIndex("id")],
	}, nil
}
