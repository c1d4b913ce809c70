package services

import (
	"sort"
	"strings"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// MergeOptions controls how provider outcomes are combined
type MergeOptions struct {
	Fingerprint     string
	ContractVersion string
	// MinConfidence below which the top suggestion is reported as no match
	MinConfidence float64
	// MaxSuggestions caps every suggestion list; zero keeps all
	MaxSuggestions int
}

// mergeState is what the merge rules read and build on
type mergeState struct {
	outcomes []entities.ProviderCallOutcome
	opts     MergeOptions
	source   *entities.ProviderCallOutcome
	result   *entities.IdentificationResult
}

type mergeRule func(*mergeState) error

// mergeRules run in order. Rules look at provider roles, never provider names.
var mergeRules = []mergeRule{
	reportAttempts,
	pickSource,
	rankPrimarySuggestions,
	addSupplementaryData,
	enrichCare,
	collectHealth,
	flagNoMatch,
}

// Merge combines provider outcomes into one result. Outcomes are read in the
// order given; the same input always produces the same output. When no
// provider succeeded an AllProvidersUnavailableError lists every attempt.
func Merge(outcomes []entities.ProviderCallOutcome, opts MergeOptions) (*entities.IdentificationResult, error) {
	st := &mergeState{
		outcomes: outcomes,
		opts:     opts,
		result: &entities.IdentificationResult{
			Fingerprint:        opts.Fingerprint,
			ContractVersion:    opts.ContractVersion,
			PrimarySuggestions: []entities.RankedSuggestion{},
			SupplementaryData:  map[string]entities.SupplementaryData{},
			ProvidersAttempted: make([]entities.ProviderAttempt, 0, len(outcomes)),
		},
	}
	for _, rule := range mergeRules {
		if err := rule(st); err != nil {
			return nil, err
		}
	}
	return st.result, nil
}

func attemptStatus(kind entities.OutcomeKind) string {
	switch kind {
	case entities.OutcomeSuccess:
		return entities.AttemptSuccess
	case entities.OutcomeCircuitOpen:
		return entities.AttemptCircuitOpen
	case entities.OutcomeTimeout:
		return entities.AttemptTimeout
	default:
		return entities.AttemptFailed
	}
}

func reportAttempts(st *mergeState) error {
	for _, o := range st.outcomes {
		status := attemptStatus(o.Kind)
		if o.Kind == entities.OutcomeSuccess && o.Payload == nil {
			status = entities.AttemptFailed
		}
		st.result.ProvidersAttempted = append(st.result.ProvidersAttempted, entities.ProviderAttempt{
			Provider:  o.Provider,
			Role:      o.Role,
			Status:    status,
			Reason:    o.Reason,
			ElapsedMs: o.Elapsed.Milliseconds(),
		})
	}
	return nil
}

// pickSource takes the first successful primary, falling back to the first
// successful secondary.
func pickSource(st *mergeState) error {
	for _, role := range []entities.ProviderRole{entities.RolePrimary, entities.RoleSecondary} {
		for i := range st.outcomes {
			o := &st.outcomes[i]
			if o.Role == role && o.Succeeded() {
				st.source = o
				st.result.PrimarySource = o.Provider
				st.result.Degraded = role != entities.RolePrimary
				return nil
			}
		}
	}

	failures := make([]apperrors.ProviderFailure, 0, len(st.result.ProvidersAttempted))
	for _, a := range st.result.ProvidersAttempted {
		failures = append(failures, apperrors.ProviderFailure{
			Provider: a.Provider,
			Status:   a.Status,
			Reason:   a.Reason,
		})
	}
	return apperrors.NewAllProvidersUnavailableError(failures)
}

func rankPrimarySuggestions(st *mergeState) error {
	suggestions := sortedSuggestions(st.source.Payload.Suggestions, st.opts.MaxSuggestions)

	for i, s := range suggestions {
		st.result.PrimarySuggestions = append(st.result.PrimarySuggestions, entities.RankedSuggestion{
			Rank:           i + 1,
			Name:           s.Name,
			CommonNames:    append([]string(nil), s.CommonNames...),
			Confidence:     s.Confidence,
			Source:         st.source.Provider,
			Family:         s.Family,
			SpeciesID:      s.ExternalID,
			CorroboratedBy: corroborators(st, s.Name),
		})
	}
	return nil
}

// corroborators lists the other successful providers that also suggested name
func corroborators(st *mergeState, name string) []string {
	var out []string
	for _, o := range st.outcomes {
		if o.Provider == st.source.Provider || !o.Succeeded() {
			continue
		}
		for _, s := range o.Payload.Suggestions {
			if strings.EqualFold(strings.TrimSpace(s.Name), strings.TrimSpace(name)) {
				out = append(out, o.Provider)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func addSupplementaryData(st *mergeState) error {
	for _, o := range st.outcomes {
		if o.Provider == st.source.Provider || !o.Succeeded() {
			continue
		}
		st.result.SupplementaryData[o.Provider] = entities.SupplementaryData{
			Suggestions:    sortedSuggestions(o.Payload.Suggestions, st.opts.MaxSuggestions),
			Care:           copyCare(o.Payload.Care),
			Diseases:       append([]entities.DiseaseSuggestion(nil), o.Payload.Diseases...),
			RemainingQuota: o.Payload.RemainingQuota,
		}
	}
	return nil
}

// enrichCare uses the source's care details, else the first provider that has them
func enrichCare(st *mergeState) error {
	if st.source.Payload.Care != nil {
		st.result.Care = copyCare(st.source.Payload.Care)
		return nil
	}
	for _, o := range st.outcomes {
		if o.Succeeded() && o.Payload.Care != nil {
			st.result.Care = copyCare(o.Payload.Care)
			return nil
		}
	}
	return nil
}

// collectHealth keeps the highest confidence finding per disease name
func collectHealth(st *mergeState) error {
	best := map[string]entities.DiseaseSuggestion{}
	var order []string
	add := func(o *entities.ProviderCallOutcome) {
		for _, d := range o.Payload.Diseases {
			key := strings.ToLower(strings.TrimSpace(d.Name))
			if key == "" {
				continue
			}
			if d.Source == "" {
				d.Source = o.Provider
			}
			prev, seen := best[key]
			if !seen {
				order = append(order, key)
			}
			if !seen || d.Confidence > prev.Confidence {
				best[key] = d
			}
		}
	}

	add(st.source)
	for i := range st.outcomes {
		o := &st.outcomes[i]
		if o.Provider != st.source.Provider && o.Succeeded() {
			add(o)
		}
	}
	if len(order) == 0 {
		return nil
	}

	health := make([]entities.DiseaseSuggestion, 0, len(order))
	for _, key := range order {
		health = append(health, best[key])
	}
	sort.SliceStable(health, func(i, j int) bool {
		if health[i].Confidence != health[j].Confidence {
			return health[i].Confidence > health[j].Confidence
		}
		return health[i].Name < health[j].Name
	})
	st.result.Health = health
	return nil
}

func flagNoMatch(st *mergeState) error {
	ps := st.result.PrimarySuggestions
	st.result.NoMatch = len(ps) == 0 || ps[0].Confidence < st.opts.MinConfidence
	return nil
}

// sortedSuggestions orders by confidence then name and applies the cap
func sortedSuggestions(in []entities.Suggestion, limit int) []entities.Suggestion {
	out := append([]entities.Suggestion(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyCare(c *entities.CareInfo) *entities.CareInfo {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
