package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagscout/internal/domain"
)

func TestClassifyRequestTypes(t *testing.T) {
	tests := []struct {
		url  string
		want domain.RequestType
	}{
		{"https://c.lytics.io/api/tag/abc123/latest.min.js", domain.RequestTagLoad},
		{"https://api.lytics.io/api/me/web/cookie-id", domain.RequestProfileLoad},
		{"https://api.lytics.io/api/personalize/web/id", domain.RequestProfileLoad},
		{"https://c.lytics.io/c/abc123?_e=pv", domain.RequestDataCollection},
		{"https://c.lytics.io/static/pathfora.min.js", domain.RequestPersonalization},
		{"https://c.lytics.io/static/pathfora.min.css", domain.RequestPersonalization},
		{"https://api.lytics.io/api/experience/web", domain.RequestExperienceConf},
		{"https://api.lytics.io/api/program/campaign/config", domain.RequestLegacyCampaign},
	}
	now := time.Now()
	for _, tt := range tests {
		ev, ok := Classify(Request{URL: tt.url}, now)
		require.True(t, ok, "expected %s to classify", tt.url)
		assert.Equal(t, tt.want, ev.RequestType, tt.url)
		assert.Equal(t, now, ev.Timestamp)
		assert.NotEmpty(t, ev.Description)
	}
}

func TestClassifyUnmatchedIsDropped(t *testing.T) {
	_, ok := Classify(Request{URL: "https://example.com/index.html"}, time.Now())
	assert.False(t, ok)

	_, ok = Classify(Request{URL: "://bad"}, time.Now())
	assert.False(t, ok)
}

func TestClassifyExtractsParams(t *testing.T) {
	ev, ok := Classify(Request{
		URL:  "https://c.lytics.io/c/abc123?_e=pv&url=https%3A%2F%2Fshop.example.com",
		Body: "seg=anonymous&uid=42",
	}, time.Now())
	require.True(t, ok)

	assert.Equal(t, "https", ev.Protocol)
	assert.Equal(t, "c.lytics.io", ev.Host)
	assert.Equal(t, "/c/abc123", ev.Pathname)
	assert.Equal(t, "pv", ev.QueryParams["_e"])
	assert.Equal(t, "https://shop.example.com", ev.QueryParams["url"])
	assert.Equal(t, "anonymous", ev.BodyParams["seg"])
	assert.Equal(t, "42", ev.BodyParams["uid"])
}
