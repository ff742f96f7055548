package authz

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

// FHIR versions the engine ships reference data for.
const (
	FHIRVersionR4   = "4.0.1"
	FHIRVersionSTU3 = "3.0.1"
)

//go:embed data/r4.json
var r4Data []byte

//go:embed data/stu3.json
var stu3Data []byte

// ReferenceMatrix holds the per-version static schema data the reference
// matcher walks: for each source resource type, the dot paths at which a
// reference to each requestor type may structurally appear, plus the full
// base resource type list used to expand wildcard scopes. Loaded once at
// construction and never mutated afterwards, so concurrent reads are safe.
type ReferenceMatrix struct {
	versions map[string]*versionData
}

type versionData struct {
	BaseResourceTypes []string                       `json:"baseResourceTypes"`
	References        map[string]map[string][]string `json:"references"`
}

// LoadReferenceMatrix parses the embedded per-version reference data.
func LoadReferenceMatrix() (*ReferenceMatrix, error) {
	m := &ReferenceMatrix{versions: make(map[string]*versionData, 2)}
	for version, raw := range map[string][]byte{
		FHIRVersionR4:   r4Data,
		FHIRVersionSTU3: stu3Data,
	} {
		var vd versionData
		if err := json.Unmarshal(raw, &vd); err != nil {
			return nil, fmt.Errorf("parse reference data for FHIR %s: %w", version, err)
		}
		m.versions[version] = &vd
	}
	return m, nil
}

func (m *ReferenceMatrix) version(fhirVersion string) (*versionData, error) {
	vd, ok := m.versions[fhirVersion]
	if !ok {
		return nil, NewConfigError(fmt.Sprintf("unsupported FHIR version %q", fhirVersion))
	}
	return vd, nil
}

// PathsBetween returns the dot paths at which a resource of sourceType may
// reference a resource of requestorType, for the given FHIR version. An
// unknown version is an operator error, not a denial.
func (m *ReferenceMatrix) PathsBetween(fhirVersion, sourceType, requestorType string) ([]string, error) {
	vd, err := m.version(fhirVersion)
	if err != nil {
		return nil, err
	}
	return vd.References[sourceType][requestorType], nil
}

// BaseResourceTypes returns the full resource type list for the given
// version. Callers must not mutate the returned slice.
func (m *ReferenceMatrix) BaseResourceTypes(fhirVersion string) ([]string, error) {
	vd, err := m.version(fhirVersion)
	if err != nil {
		return nil, err
	}
	return vd.BaseResourceTypes, nil
}
