package authz

import "strings"

// IsReferenced reports whether the source resource references any of the
// candidate identity strings at a schema-declared path for the requestor's
// resource type. Paths come from the version's reference matrix; each path
// is walked breadth first, one dot segment per layer, with arrays flattened
// into the next layer's candidate set. A leaf matches when it is a map whose
// "reference" field is one of the candidates. Paths combine with OR: any one
// match satisfies the call.
func (m *ReferenceMatrix) IsReferenced(candidates []string, requestorType string, resource map[string]any, fhirVersion string) (bool, error) {
	sourceType, _ := resource["resourceType"].(string)
	paths, err := m.PathsBetween(fhirVersion, sourceType, requestorType)
	if err != nil {
		return false, err
	}
	candidateSet := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		candidateSet[c] = true
	}
	for _, path := range paths {
		if pathReferences(resource, path, candidateSet) {
			return true, nil
		}
	}
	return false, nil
}

func pathReferences(resource map[string]any, path string, candidates map[string]bool) bool {
	layer := []any{resource}
	for _, segment := range strings.Split(path, ".") {
		var next []any
		for _, node := range layer {
			obj, ok := node.(map[string]any)
			if !ok {
				continue
			}
			switch value := obj[segment].(type) {
			case nil:
			case []any:
				next = append(next, value...)
			default:
				next = append(next, value)
			}
		}
		if len(next) == 0 {
			return false
		}
		layer = next
	}
	for _, leaf := range layer {
		obj, ok := leaf.(map[string]any)
		if !ok {
			continue
		}
		if ref, ok := obj["reference"].(string); ok && candidates[ref] {
			return true
		}
	}
	return false
}
