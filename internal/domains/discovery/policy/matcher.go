package policy

import (
	"strings"

	"wallet-discovery/go-backend/internal/domains/discovery/model"
)

// MatchCapabilities computes the intersection between a request and a
// responder's declared capabilities. Qualification is a pure conjunction;
// preferences only feed the Preferred report.
func MatchCapabilities(required model.Requirements, preferred *model.Preferences, declared model.Capabilities) model.MatchResult {
	pref := model.Preferences{}
	if preferred != nil {
		pref = *preferred
	}
	prefTech := indexPreferredTechnologies(pref.Technologies)

	result := model.MatchResult{}
	intersection := &model.Intersection{
		Technologies: make([]model.TechnologyMatch, 0, len(required.Technologies)),
	}

	for _, req := range required.Technologies {
		techType := model.NormalizeTechnology(req.Type)
		match, miss, ok := matchTechnology(req, prefTech[techType], declared.Technologies)
		if !ok {
			result.Missing.Technologies = append(result.Missing.Technologies, techType)
			result.Missing.TechnologyDetails = append(result.Missing.TechnologyDetails, miss)
			continue
		}
		intersection.Technologies = append(intersection.Technologies, match)
	}

	declaredFeatures := toSet(declared.Features)
	result.Missing.Features = missingFrom(required.Features, declaredFeatures)
	intersection.Features = intersect(union(required.Features, pref.Features), declaredFeatures)

	if len(required.Networks) > 0 {
		declaredNetworks := toSet(declared.Networks)
		intersection.Networks = intersect(required.Networks, declaredNetworks)
		if len(intersection.Networks) == 0 {
			result.Missing.Networks = dedupe(required.Networks)
		}
	}

	result.Preferred = reportPreferences(pref, declared)
	result.CanFulfill = len(required.Technologies) > 0 && result.Missing.Empty()
	if result.CanFulfill {
		result.Intersection = intersection
	}
	return result
}

// PreferenceScore rates an accepted intersection against preferences on the
// initiator side, where only the matched capabilities are known.
func PreferenceScore(preferred *model.Preferences, matched model.Intersection) int {
	if preferred == nil {
		return 0
	}
	score := 0
	for _, pt := range preferred.Technologies {
		techType := model.NormalizeTechnology(pt.Type)
		for _, mt := range matched.Technologies {
			if model.NormalizeTechnology(mt.Type) != techType {
				continue
			}
			score += 2
			score += len(intersect(pt.Features, toSet(mt.Features)))
			score += len(intersect(pt.Interfaces, toSet(mt.Interfaces)))
			break
		}
	}
	score += len(intersect(preferred.Features, toSet(matched.Features)))
	score += len(intersect(preferred.Networks, toSet(matched.Networks)))
	return score
}

func matchTechnology(req model.TechnologyRequirement, pref *model.TechnologyRequirement, declared []model.TechnologyCapability) (model.TechnologyMatch, model.MissingTechnology, bool) {
	techType := model.NormalizeTechnology(req.Type)
	miss := model.MissingTechnology{Type: techType, Reason: model.MissingUndeclared}

	var prefFeatures []string
	if pref != nil {
		prefFeatures = pref.Features
	}
	wantFeatures := union(req.Features, prefFeatures)

	best := -1
	var bestMatch model.TechnologyMatch
	for _, tech := range declared {
		if model.NormalizeTechnology(tech.Type) != techType {
			continue
		}
		interfaces := toSet(tech.Interfaces)
		if lacking := missingFrom(req.Interfaces, interfaces); len(lacking) > 0 {
			if miss.Reason == model.MissingUndeclared || len(lacking) < len(miss.Interfaces) {
				miss = model.MissingTechnology{Type: techType, Reason: model.MissingInterfaces, Interfaces: lacking}
			}
			continue
		}
		features := toSet(tech.Features)
		if lacking := missingFrom(req.Features, features); len(lacking) > 0 {
			if miss.Reason != model.MissingFeatures || len(lacking) < len(miss.Features) {
				miss = model.MissingTechnology{Type: techType, Reason: model.MissingFeatures, Features: lacking}
			}
			continue
		}
		matched := intersect(wantFeatures, features)
		if len(matched) > best {
			best = len(matched)
			bestMatch = model.TechnologyMatch{
				Type:       techType,
				Interfaces: dedupe(req.Interfaces),
				Features:   matched,
			}
		}
	}
	if best < 0 {
		return model.TechnologyMatch{}, miss, false
	}
	return bestMatch, model.MissingTechnology{}, true
}

func reportPreferences(pref model.Preferences, declared model.Capabilities) model.PreferenceReport {
	report := model.PreferenceReport{}
	for _, pt := range pref.Technologies {
		techType := model.NormalizeTechnology(pt.Type)
		found := false
		for _, tech := range declared.Technologies {
			if model.NormalizeTechnology(tech.Type) != techType {
				continue
			}
			found = true
			for _, iface := range intersect(pt.Interfaces, toSet(tech.Interfaces)) {
				report.Interfaces = appendUnique(report.Interfaces, techType+"/"+iface)
			}
			for _, feature := range intersect(pt.Features, toSet(tech.Features)) {
				report.Features = appendUnique(report.Features, techType+"/"+feature)
			}
		}
		if found {
			report.Technologies = appendUnique(report.Technologies, techType)
		}
	}
	for _, feature := range intersect(pref.Features, toSet(declared.Features)) {
		report.Features = appendUnique(report.Features, feature)
	}
	report.Networks = intersect(pref.Networks, toSet(declared.Networks))
	report.Score = 2*len(report.Technologies) + len(report.Interfaces) + len(report.Features) + len(report.Networks)
	return report
}

func indexPreferredTechnologies(techs []model.TechnologyRequirement) map[string]*model.TechnologyRequirement {
	out := make(map[string]*model.TechnologyRequirement, len(techs))
	for i := range techs {
		techType := model.NormalizeTechnology(techs[i].Type)
		if _, exists := out[techType]; !exists {
			out[techType] = &techs[i]
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// missingFrom keeps the order of want so diagnostics are deterministic.
func missingFrom(want []string, have map[string]struct{}) []string {
	var out []string
	for _, v := range dedupe(want) {
		if _, ok := have[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func intersect(want []string, have map[string]struct{}) []string {
	out := make([]string, 0, len(want))
	for _, v := range dedupe(want) {
		if _, ok := have[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

func union(a, b []string) []string {
	return dedupe(append(append([]string(nil), a...), b...))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
