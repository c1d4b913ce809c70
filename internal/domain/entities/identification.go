package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// IdentificationOptions are the caller flags that affect provider output
type IdentificationOptions struct {
	IncludeDiseaseDetection bool     `json:"include_disease_detection"`
	RequestedProviders      []string `json:"requested_providers,omitempty"`
}

// Normalized returns a copy with provider names trimmed, lowercased, deduped and sorted.
func (o IdentificationOptions) Normalized() IdentificationOptions {
	out := IdentificationOptions{IncludeDiseaseDetection: o.IncludeDiseaseDetection}
	if len(o.RequestedProviders) == 0 {
		return out
	}
	seen := make(map[string]struct{}, len(o.RequestedProviders))
	for _, name := range o.RequestedProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out.RequestedProviders = append(out.RequestedProviders, name)
	}
	sort.Strings(out.RequestedProviders)
	return out
}

// IsDefault reports whether the options equal the zero configuration.
func (o IdentificationOptions) IsDefault() bool {
	n := o.Normalized()
	return !n.IncludeDiseaseDetection && len(n.RequestedProviders) == 0
}

// IdentificationRequest is the unit of work for one inbound identification call
type IdentificationRequest struct {
	ID          string
	Image       []byte
	ContentType string
	Fingerprint string
	Options     IdentificationOptions
	Deadline    time.Time
	ReceivedAt  time.Time
}

// NewIdentificationRequest builds a request with its content fingerprint.
func NewIdentificationRequest(id string, image []byte, contentType string, opts IdentificationOptions, deadline, now time.Time) *IdentificationRequest {
	opts = opts.Normalized()
	return &IdentificationRequest{
		ID:          id,
		Image:       image,
		ContentType: contentType,
		Fingerprint: Fingerprint(image, opts),
		Options:     opts,
		Deadline:    deadline,
		ReceivedAt:  now,
	}
}

// Fingerprint hashes the image bytes together with the flags that change provider output.
func Fingerprint(image []byte, opts IdentificationOptions) string {
	h := sha256.New()
	h.Write(image)
	if opts.IncludeDiseaseDetection {
		h.Write([]byte{0x00, 'd'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortFingerprint is the prefix used in logs.
func ShortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// ProviderRole decides precedence during merge
type ProviderRole string

const (
	RolePrimary   ProviderRole = "primary"
	RoleSecondary ProviderRole = "secondary"
)

// OutcomeKind classifies one provider invocation
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeCircuitOpen OutcomeKind = "circuit_open"
	OutcomeTimeout     OutcomeKind = "timeout"
)

// Suggestion is one candidate name returned by a provider
type Suggestion struct {
	Name           string   `json:"name"`
	CommonNames    []string `json:"common_names,omitempty"`
	Confidence     float64  `json:"confidence"`
	Family         string   `json:"family,omitempty"`
	Genus          string   `json:"genus,omitempty"`
	ExternalID     string   `json:"external_id,omitempty"`
	ReferenceImage string   `json:"reference_image,omitempty"`
}

// DiseaseSuggestion is one health assessment finding
type DiseaseSuggestion struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// CareInfo is optional care guidance attached by some providers
type CareInfo struct {
	Watering    string `json:"watering,omitempty"`
	Light       string `json:"light,omitempty"`
	Soil        string `json:"soil,omitempty"`
	Toxicity    string `json:"toxicity,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// ProviderPayload is a provider response normalised into the shared shape.
// Sections a provider does not offer stay nil.
type ProviderPayload struct {
	Suggestions        []Suggestion        `json:"suggestions"`
	IsPlantProbability *float64            `json:"is_plant_probability,omitempty"`
	Diseases           []DiseaseSuggestion `json:"diseases,omitempty"`
	Care               *CareInfo           `json:"care,omitempty"`
	RemainingQuota     *int                `json:"remaining_quota,omitempty"`
	ExternalRequestID  string              `json:"external_request_id,omitempty"`
}

// ProviderCallOutcome is the immutable result of one provider invocation
type ProviderCallOutcome struct {
	Provider string
	Role     ProviderRole
	Kind     OutcomeKind
	Payload  *ProviderPayload
	Err      error
	Reason   string
	Elapsed  time.Duration
}

// Succeeded reports whether the outcome carries a payload.
func (o ProviderCallOutcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess && o.Payload != nil
}

// RankedSuggestion is a merged suggestion with its source
type RankedSuggestion struct {
	Rank           int      `json:"rank"`
	Name           string   `json:"name"`
	CommonNames    []string `json:"common_names,omitempty"`
	Confidence     float64  `json:"confidence"`
	Source         string   `json:"source"`
	Family         string   `json:"family,omitempty"`
	SpeciesID      string   `json:"species_id,omitempty"`
	CorroboratedBy []string `json:"corroborated_by,omitempty"`
}

// SupplementaryData is what a non-source provider contributed
type SupplementaryData struct {
	Suggestions    []Suggestion        `json:"suggestions,omitempty"`
	Care           *CareInfo           `json:"care,omitempty"`
	Diseases       []DiseaseSuggestion `json:"diseases,omitempty"`
	RemainingQuota *int                `json:"remaining_quota,omitempty"`
}

// Attempt statuses reported to callers.
const (
	AttemptSuccess     = "success"
	AttemptFailed      = "failed"
	AttemptCircuitOpen = "circuit-open"
	AttemptTimeout     = "timeout"
)

// ProviderAttempt reports what happened to one provider
type ProviderAttempt struct {
	Provider  string       `json:"provider"`
	Role      ProviderRole `json:"role"`
	Status    string       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	ElapsedMs int64        `json:"elapsed_ms"`
}

// IdentificationResult is the unified response
type IdentificationResult struct {
	Fingerprint        string                       `json:"fingerprint"`
	ContractVersion    string                       `json:"contract_version"`
	PrimarySource      string                       `json:"primary_source"`
	PrimarySuggestions []RankedSuggestion           `json:"primary_suggestions"`
	SupplementaryData  map[string]SupplementaryData `json:"supplementary_data"`
	Care               *CareInfo                    `json:"care,omitempty"`
	Health             []DiseaseSuggestion          `json:"health,omitempty"`
	ProvidersAttempted []ProviderAttempt            `json:"providers_attempted"`
	Degraded           bool                         `json:"degraded"`
	NoMatch            bool                         `json:"no_match"`
	ServedFromCache    bool                         `json:"served_from_cache"`
}

// Clone returns a deep enough copy for callers to mutate flags and slices safely.
func (r *IdentificationResult) Clone() *IdentificationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.PrimarySuggestions = cloneSlice(r.PrimarySuggestions)
	out.ProvidersAttempted = cloneSlice(r.ProvidersAttempted)
	out.Health = cloneSlice(r.Health)
	if r.SupplementaryData != nil {
		out.SupplementaryData = make(map[string]SupplementaryData, len(r.SupplementaryData))
		for k, v := range r.SupplementaryData {
			out.SupplementaryData[k] = v
		}
	}
	return &out
}

// cloneSlice copies in, keeping an empty list empty rather than nil so it
// still encodes as [].
func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// CacheEntry is a persisted orchestration result
type CacheEntry struct {
	Key             string               `json:"key"`
	ContractVersion string               `json:"contract_version"`
	Result          IdentificationResult `json:"result"`
	WrittenAt       time.Time            `json:"written_at"`
	TTL             time.Duration        `json:"ttl"`
}

// ExpiresAt returns when the entry stops being served.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(e.TTL)
}
