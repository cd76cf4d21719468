package extract

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRequest_ClientIP(t *testing.T) {
	var tests = []struct {
		name       string
		remoteAddr string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{
			name:       "peer address without the port",
			remoteAddr: "192.0.2.7:49152",
			want:       "192.0.2.7",
		},
		{
			name:       "forwarded header ignored by default",
			remoteAddr: "192.0.2.7:49152",
			forwarded:  "203.0.113.9",
			want:       "192.0.2.7",
		},
		{
			name:       "first forwarded entry wins when trusted",
			remoteAddr: "192.0.2.7:49152",
			forwarded:  "203.0.113.9, 198.51.100.2",
			trustProxy: true,
			want:       "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}

			f := FromRequest(r, Options{TrustProxyHeaders: tt.trustProxy})
			assert.Equal(t, tt.want, f.ClientIP)
		})
	}
}

func TestFingerprint_HeaderValue(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Token", "abc")

	f := FromRequest(r, Options{})

	v, ok := f.HeaderValue("x-token")
	assert.True(t, ok, "header lookup is case-insensitive")
	assert.Equal(t, "abc", v)

	_, ok = f.HeaderValue("X-Missing")
	assert.False(t, ok)
}

func TestFingerprint_QueryValue(t *testing.T) {
	r := httptest.NewRequest("GET", "/search?user_id=42&q=", nil)

	f := FromRequest(r, Options{})

	v, ok := f.QueryValue("user_id")
	assert.True(t, ok)
	assert.Equal(t, "42", v)

	// query parameter names are matched exactly
	_, ok = f.QueryValue("User_Id")
	assert.False(t, ok)
}

func TestFingerprint_BodyField(t *testing.T) {
	var tests = []struct {
		name        string
		contentType string
		body        string
		field       string
		want        string
		found       bool
	}{
		{
			name:        "json string field",
			contentType: "application/json",
			body:        `{"user_id":"42","note":"x"}`,
			field:       "user_id",
			want:        "42",
			found:       true,
		},
		{
			name:        "json number field keeps its literal form",
			contentType: "application/json; charset=utf-8",
			body:        `{"user_id":42}`,
			field:       "user_id",
			want:        "42",
			found:       true,
		},
		{
			name:        "json suffix media type",
			contentType: "application/vnd.api+json",
			body:        `{"user_id":"7"}`,
			field:       "user_id",
			want:        "7",
			found:       true,
		},
		{
			name:        "form encoded field",
			contentType: "application/x-www-form-urlencoded",
			body:        "user_id=42&lang=en",
			field:       "user_id",
			want:        "42",
			found:       true,
		},
		{
			name:        "missing field",
			contentType: "application/json",
			body:        `{"other":"1"}`,
			field:       "user_id",
			found:       false,
		},
		{
			name:        "unparseable json yields no value",
			contentType: "application/json",
			body:        `{"user_id":`,
			field:       "user_id",
			found:       false,
		},
		{
			name:        "nested json values are not usable",
			contentType: "application/json",
			body:        `{"user_id":{"v":1}}`,
			field:       "user_id",
			found:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/x", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)

			f := FromRequest(r, Options{BufferBody: true})

			v, ok := f.BodyField(tt.field)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, v)
			}
		})
	}
}

func TestFromRequest_BodyIsReplayable(t *testing.T) {
	body := `{"user_id":"42"}`
	r := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	f := FromRequest(r, Options{BufferBody: true})

	_, ok := f.BodyField("user_id")
	require.True(t, ok)

	// the upstream leg must still see the whole body
	replayed, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(replayed))
}

func TestFromRequest_OversizedBodySkipsExtraction(t *testing.T) {
	body := "user_id=" + strings.Repeat("a", 100)
	r := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f := FromRequest(r, Options{BufferBody: true, MaxBodyBytes: 16})

	_, ok := f.BodyField("user_id")
	assert.False(t, ok, "oversized body is an extraction miss")

	replayed, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(replayed), "full body still reaches the upstream")
}

func TestFromRequest_NoBufferingWithoutBodyStrategies(t *testing.T) {
	r := httptest.NewRequest("POST", "/x", strings.NewReader("user_id=42"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f := FromRequest(r, Options{})

	_, ok := f.BodyField("user_id")
	assert.False(t, ok)
}
