package authz

import (
	"reflect"
	"testing"
)

func TestParseSmartScope(t *testing.T) {
	tests := []struct {
		scope string
		want  SmartScope
		fails bool
	}{
		{scope: "patient/Patient.read", want: SmartScope{ScopeTypePatient, "Patient", AccessRead}},
		{scope: "user/Observation.write", want: SmartScope{ScopeTypeUser, "Observation", AccessWrite}},
		{scope: "system/*.*", want: SmartScope{ScopeTypeSystem, "*", AccessAll}},
		{scope: "patient/*.read", want: SmartScope{ScopeTypePatient, "*", AccessRead}},
		{scope: "openid", fails: true},
		{scope: "launch/patient", fails: true},
		{scope: "patient/patient.read", fails: true},
		{scope: "admin/Patient.read", fails: true},
		{scope: "patient/Patient.delete", fails: true},
		{scope: "", fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			got, err := ParseSmartScope(tt.scope)
			if tt.fails {
				if err == nil {
					t.Fatalf("expected parse failure for %q", tt.scope)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		claim any
		want  []string
	}{
		{name: "space delimited string", claim: "openid patient/Patient.read user/*.write", want: []string{"openid", "patient/Patient.read", "user/*.write"}},
		{name: "list claim", claim: []any{"system/*.read", "openid"}, want: []string{"system/*.read", "openid"}},
		{name: "empty string", claim: "", want: nil},
		{name: "nil claim", claim: nil, want: nil},
		{name: "number claim", claim: 42, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScopes(tt.claim)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidOperationsWildcardUnion(t *testing.T) {
	rule := DefaultScopeRule()
	ops := ValidOperations(rule, ScopeTypeUser, AccessAll)

	want := map[Operation]bool{OperationRead: true, OperationCreate: true, OperationSearchType: true, OperationDelete: true}
	got := map[Operation]bool{}
	for _, op := range ops {
		got[op] = true
	}
	for op := range want {
		if !got[op] {
			t.Errorf("wildcard access missing operation %s", op)
		}
	}
}

func TestIsScopeSufficient(t *testing.T) {
	rule := DefaultScopeRule()

	tests := []struct {
		name         string
		scope        string
		operation    Operation
		resourceType string
		bulk         *BulkDataAuth
		userExport   bool
		want         bool
	}{
		{name: "exact type read", scope: "patient/Patient.read", operation: OperationRead, resourceType: "Patient", want: true},
		{name: "wrong type", scope: "patient/Patient.read", operation: OperationRead, resourceType: "Observation", want: false},
		{name: "wildcard type", scope: "user/*.read", operation: OperationSearchType, resourceType: "Observation", want: true},
		{name: "read scope denies write", scope: "user/Patient.read", operation: OperationUpdate, resourceType: "Patient", want: false},
		{name: "star access allows write", scope: "user/Patient.*", operation: OperationUpdate, resourceType: "Patient", want: true},
		{name: "non smart scope", scope: "openid", operation: OperationRead, resourceType: "Patient", want: false},
		{name: "bulk export system wildcard", scope: "system/*.read", bulk: &BulkDataAuth{Operation: "initiate-export", ExportType: "system"}, want: true},
		{name: "bulk export concrete type insufficient", scope: "system/Patient.read", bulk: &BulkDataAuth{Operation: "initiate-export"}, want: false},
		{name: "bulk export patient scope never", scope: "patient/*.read", bulk: &BulkDataAuth{Operation: "initiate-export"}, want: false},
		{name: "bulk export user scope without opt in", scope: "user/*.read", bulk: &BulkDataAuth{Operation: "initiate-export"}, want: false},
		{name: "bulk export user scope with opt in", scope: "user/*.read", bulk: &BulkDataAuth{Operation: "initiate-export"}, userExport: true, want: true},
		{name: "bulk export unknown operation", scope: "system/*.read", bulk: &BulkDataAuth{Operation: "delete-everything"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsScopeSufficient(tt.scope, rule, tt.operation, tt.userExport, tt.resourceType, tt.bulk)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterUsableScopes(t *testing.T) {
	rule := DefaultScopeRule()
	scopes := []string{"openid", "patient/Patient.read", "user/Patient.read", "system/Patient.read"}

	tests := []struct {
		name       string
		hasUser    bool
		hasPatient bool
		want       []string
	}{
		{name: "system only", want: []string{"system/Patient.read"}},
		{name: "user claim present", hasUser: true, want: []string{"user/Patient.read", "system/Patient.read"}},
		{name: "patient claim present", hasPatient: true, want: []string{"patient/Patient.read", "system/Patient.read"}},
		{name: "both claims", hasUser: true, hasPatient: true, want: []string{"patient/Patient.read", "user/Patient.read", "system/Patient.read"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterUsableScopes(scopes, rule, OperationRead, false, "Patient", nil, tt.hasUser, tt.hasPatient)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
