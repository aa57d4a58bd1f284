package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// RequestType classifies an intercepted outbound request by which part of the
// tag runtime issued it.
type RequestType string

const (
	RequestTagLoad         RequestType = "tag_load"
	RequestProfileLoad     RequestType = "profile_load"
	RequestDataCollection  RequestType = "data_collection"
	RequestPersonalization RequestType = "personalization"
	RequestExperienceConf  RequestType = "experience_config"
	RequestLegacyCampaign  RequestType = "legacy_campaign_config"
	RequestUnhandled       RequestType = "unhandled"
)

// NetworkEvent is one classified outbound request made by the tag. Immutable
// once created; membership in a domain's activity log is append-only.
type NetworkEvent struct {
	Protocol    string            `json:"protocol"`
	Host        string            `json:"host"`
	Pathname    string            `json:"pathname"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	BodyParams  map[string]string `json:"bodyParams,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	RequestType RequestType       `json:"requestType"`
	Description string            `json:"description"`
}

// DetectionRecord is the cached detection verdict for a single domain.
type DetectionRecord struct {
	Domain     string    `json:"domain"`
	Detected   bool      `json:"detected"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	Subdomains []string  `json:"subdomains,omitempty"`
}

// HasSubdomain reports whether sub has already inherited this record's
// detection outcome.
func (r *DetectionRecord) HasSubdomain(sub string) bool {
	for _, s := range r.Subdomains {
		if s == sub {
			return true
		}
	}
	return false
}

// DomainState tracks everything known about a domain the user is looking at:
// pin status, accumulated tag activity, last known tag config and profile,
// and which tabs currently display it.
type DomainState struct {
	Domain       string          `json:"domain"`
	Pinned       bool            `json:"pinned"`
	TagActivity  []NetworkEvent  `json:"tagActivity"`
	TagConfig    json.RawMessage `json:"tagConfig,omitempty"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	ActiveTabIDs []string        `json:"activeTabIds"`
}

// HasTab reports whether tabID is registered against this domain.
func (s *DomainState) HasTab(tabID string) bool {
	for _, id := range s.ActiveTabIDs {
		if id == tabID {
			return true
		}
	}
	return false
}

// NormalizeDomain lowercases a hostname for use as a cache and state key.
func NormalizeDomain(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
