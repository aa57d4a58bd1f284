// Package classify turns intercepted network requests into typed tag events.
package classify

import (
	"net/url"
	"strings"
	"time"

	"tagscout/internal/domain"
)

// Request is the raw descriptor of an intercepted outbound request, as
// delivered by the browser's network interception layer.
type Request struct {
	URL       string
	Initiator string
	TabID     string
	// Body is the raw urlencoded request body, when one was captured.
	Body string
}

// rule maps a URL substring to a request type. Rules are checked in order;
// the first match wins.
type rule struct {
	substr      string
	requestType domain.RequestType
	description string
}

var rules = []rule{
	{"/api/tag/", domain.RequestTagLoad, "Tag script load"},
	{"latest.min.js", domain.RequestTagLoad, "Tag script load"},
	{"/api/me/", domain.RequestProfileLoad, "Visitor profile load"},
	{"/api/personalize/", domain.RequestProfileLoad, "Visitor profile load"},
	{"/c/", domain.RequestDataCollection, "Data collection"},
	{"pathfora.min.js", domain.RequestPersonalization, "Personalization script"},
	{"pathfora.min.css", domain.RequestPersonalization, "Personalization styles"},
	{"/api/experience/", domain.RequestExperienceConf, "Experience configuration"},
	{"/api/program/campaign", domain.RequestLegacyCampaign, "Legacy campaign configuration"},
}

// Classify parses and classifies a request. The second return value is false
// for requests that match no rule; those are not persisted into activity.
func Classify(req Request, now time.Time) (*domain.NetworkEvent, bool) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, false
	}

	matched := domain.RequestUnhandled
	description := ""
	target := parsed.Host + parsed.Path
	for _, r := range rules {
		if strings.Contains(target, r.substr) {
			matched = r.requestType
			description = r.description
			break
		}
	}
	if matched == domain.RequestUnhandled {
		return nil, false
	}

	return &domain.NetworkEvent{
		Protocol:    parsed.Scheme,
		Host:        parsed.Host,
		Pathname:    parsed.Path,
		QueryParams: flattenValues(parsed.Query()),
		BodyParams:  parseBody(req.Body),
		Timestamp:   now,
		RequestType: matched,
		Description: description,
	}, true
}

func flattenValues(values url.Values) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func parseBody(body string) map[string]string {
	if body == "" {
		return nil
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil
	}
	return flattenValues(values)
}
