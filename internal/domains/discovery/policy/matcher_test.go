package policy

import (
	"reflect"
	"testing"

	"wallet-discovery/go-backend/internal/domains/discovery/model"
)

func evmRequired() model.Requirements {
	return model.Requirements{
		Technologies: []model.TechnologyRequirement{{Type: "evm", Interfaces: []string{"eip-1193"}, Features: []string{}}},
		Features:     []string{},
	}
}

func TestMatchCapabilitiesInterfaceSuperset(t *testing.T) {
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-1193", "eip-6963"}}},
	}
	res := MatchCapabilities(evmRequired(), nil, declared)
	if !res.CanFulfill {
		t.Fatalf("expected match, missing=%+v", res.Missing)
	}
	if !res.Intersection.HasTechnology("evm") {
		t.Fatalf("expected evm in intersection, got %+v", res.Intersection)
	}
	if got := res.Intersection.Technologies[0].Interfaces; !reflect.DeepEqual(got, []string{"eip-1193"}) {
		t.Fatalf("intersection must only carry required interfaces, got %v", got)
	}
}

func TestMatchCapabilitiesRejectsOtherTechnology(t *testing.T) {
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{{Type: "solana", Interfaces: []string{"solana-wallet-standard"}}},
	}
	res := MatchCapabilities(evmRequired(), nil, declared)
	if res.CanFulfill {
		t.Fatal("solana responder must not qualify for evm requirement")
	}
	if res.Intersection != nil {
		t.Fatal("intersection must be nil on failure")
	}
	if !reflect.DeepEqual(res.Missing.Technologies, []string{"evm"}) {
		t.Fatalf("unexpected missing technologies: %v", res.Missing.Technologies)
	}
	if res.Missing.TechnologyDetails[0].Reason != model.MissingUndeclared {
		t.Fatalf("expected undeclared reason, got %s", res.Missing.TechnologyDetails[0].Reason)
	}
}

func TestMatchCapabilitiesDistinguishesInterfaceMismatch(t *testing.T) {
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-6963"}}},
	}
	res := MatchCapabilities(evmRequired(), nil, declared)
	if res.CanFulfill {
		t.Fatal("missing interface must reject")
	}
	detail := res.Missing.TechnologyDetails[0]
	if detail.Reason != model.MissingInterfaces || !reflect.DeepEqual(detail.Interfaces, []string{"eip-1193"}) {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestMatchCapabilitiesPicksQualifyingEntryAmongDuplicates(t *testing.T) {
	required := model.Requirements{
		Technologies: []model.TechnologyRequirement{{Type: "evm", Interfaces: []string{"eip-1193"}, Features: []string{"sign-typed-data"}}},
	}
	preferred := &model.Preferences{
		Technologies: []model.TechnologyRequirement{{Type: "evm", Features: []string{"batch"}}},
	}
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{
			{Type: "evm", Interfaces: []string{"legacy"}, Features: []string{"sign-typed-data", "batch"}},
			{Type: "evm", Interfaces: []string{"eip-1193"}, Features: []string{"sign-typed-data"}},
			{Type: "evm", Interfaces: []string{"eip-1193", "eip-6963"}, Features: []string{"sign-typed-data", "batch"}},
		},
	}
	res := MatchCapabilities(required, preferred, declared)
	if !res.CanFulfill {
		t.Fatalf("expected match, missing=%+v", res.Missing)
	}
	if got := res.Intersection.Technologies[0].Features; !reflect.DeepEqual(got, []string{"sign-typed-data", "batch"}) {
		t.Fatalf("expected entry with most preferred features, got %v", got)
	}
}

func TestMatchCapabilitiesRequiresTechnologyFeatures(t *testing.T) {
	required := model.Requirements{
		Technologies: []model.TechnologyRequirement{{Type: "evm", Interfaces: []string{}, Features: []string{"sign-typed-data"}}},
	}
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-1193"}}},
	}
	res := MatchCapabilities(required, nil, declared)
	if res.CanFulfill {
		t.Fatal("missing technology feature must reject the technology entirely")
	}
	if res.Missing.TechnologyDetails[0].Reason != model.MissingFeatures {
		t.Fatalf("expected features reason, got %+v", res.Missing.TechnologyDetails[0])
	}
}

func TestMatchCapabilitiesGlobalFeaturesAndNetworks(t *testing.T) {
	required := evmRequired()
	required.Features = []string{"account-management"}
	required.Networks = []string{"eip155:1", "eip155:137"}
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-1193"}}},
		Features:     []string{"account-management", "hardware-wallet"},
		Networks:     []string{"eip155:137"},
	}
	res := MatchCapabilities(required, nil, declared)
	if !res.CanFulfill {
		t.Fatalf("expected match, missing=%+v", res.Missing)
	}
	if !reflect.DeepEqual(res.Intersection.Networks, []string{"eip155:137"}) {
		t.Fatalf("unexpected networks: %v", res.Intersection.Networks)
	}

	declared.Networks = []string{"eip155:10"}
	res = MatchCapabilities(required, nil, declared)
	if res.CanFulfill {
		t.Fatal("network check must gate qualification")
	}
	if len(res.Missing.Networks) != 2 {
		t.Fatalf("expected both requested networks reported, got %v", res.Missing.Networks)
	}

	declared.Networks = []string{"eip155:1"}
	declared.Features = []string{"hardware-wallet"}
	res = MatchCapabilities(required, nil, declared)
	if res.CanFulfill || !reflect.DeepEqual(res.Missing.Features, []string{"account-management"}) {
		t.Fatalf("expected missing global feature, got %+v", res.Missing)
	}
}

func TestMatchCapabilitiesPreferencesNeverAffectAdmission(t *testing.T) {
	declaredSets := []model.Capabilities{
		{Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-1193"}}}},
		{Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-6963"}}}},
		{Technologies: []model.TechnologyCapability{{Type: "solana", Interfaces: []string{"x"}}}, Features: []string{"batch"}},
	}
	prefs := []*model.Preferences{
		nil,
		{},
		{Features: []string{"batch"}, Networks: []string{"eip155:1"}},
		{Technologies: []model.TechnologyRequirement{{Type: "solana", Interfaces: []string{"x"}}}},
		{Technologies: []model.TechnologyRequirement{{Type: "evm", Interfaces: []string{"eip-6963"}, Features: []string{"batch"}}}},
	}
	for i, declared := range declaredSets {
		baseline := MatchCapabilities(evmRequired(), nil, declared).CanFulfill
		for j, pref := range prefs {
			if got := MatchCapabilities(evmRequired(), pref, declared).CanFulfill; got != baseline {
				t.Fatalf("declared[%d] pref[%d]: canFulfill changed from %v to %v", i, j, baseline, got)
			}
		}
	}
}

func TestMatchCapabilitiesEmptyRequirementsNeverQualify(t *testing.T) {
	declared := model.Capabilities{Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-1193"}}}}
	if MatchCapabilities(model.Requirements{}, nil, declared).CanFulfill {
		t.Fatal("empty requirement set must not qualify")
	}
}

func TestPreferenceReportAndScore(t *testing.T) {
	preferred := &model.Preferences{
		Technologies: []model.TechnologyRequirement{{Type: "evm", Interfaces: []string{"eip-6963"}, Features: []string{"batch"}}},
		Features:     []string{"hardware-wallet"},
	}
	declared := model.Capabilities{
		Technologies: []model.TechnologyCapability{{Type: "evm", Interfaces: []string{"eip-1193", "eip-6963"}, Features: []string{"batch"}}},
		Features:     []string{"hardware-wallet"},
	}
	res := MatchCapabilities(evmRequired(), preferred, declared)
	if res.Preferred.Score != 5 {
		t.Fatalf("expected preference score 5, got %d (%+v)", res.Preferred.Score, res.Preferred)
	}
	if got := PreferenceScore(preferred, *res.Intersection); got != 4 {
		t.Fatalf("expected initiator-side score 4, got %d", got)
	}
}
