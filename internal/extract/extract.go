// Package extract projects an incoming HTTP request into the fingerprint the
// rate-limiting strategies key on: client IP, path, headers, query
// parameters and a buffered body. Extraction never fails a request; a value
// that cannot be derived simply yields no key.
package extract

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultMaxBodyBytes is the ceiling above which request bodies are not
// inspected by body strategies. The body is still forwarded upstream.
const DefaultMaxBodyBytes = 1 << 20

// Options controls how a fingerprint is taken from a request.
type Options struct {
	// BufferBody buffers the request body for body-field extraction. Only
	// needed when a body strategy is configured.
	BufferBody bool
	// MaxBodyBytes caps how much body is buffered; zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// TrustProxyHeaders keys the client IP on the first X-Forwarded-For
	// entry instead of the peer address.
	TrustProxyHeaders bool
}

// Fingerprint is the immutable projection of one request that key extractors
// operate on.
type Fingerprint struct {
	ClientIP    string
	Path        string
	Header      http.Header
	Query       url.Values
	Body        []byte
	ContentType string

	bodyOversized bool
	bodyFields    map[string]string
	bodyParsed    bool
}

// FromRequest takes a fingerprint and, when the body was buffered, replaces
// r.Body so the upstream leg replays the full original body.
func FromRequest(r *http.Request, opts Options) *Fingerprint {
	f := &Fingerprint{
		ClientIP:    clientIP(r, opts.TrustProxyHeaders),
		Path:        r.URL.Path,
		Header:      r.Header,
		Query:       r.URL.Query(),
		ContentType: r.Header.Get("Content-Type"),
	}

	if opts.BufferBody && r.Body != nil && r.Body != http.NoBody {
		maxBody := opts.MaxBodyBytes
		if maxBody <= 0 {
			maxBody = DefaultMaxBodyBytes
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			// treat an unreadable body as absent; the proxy leg will
			// surface the transport error on its own
			f.bodyOversized = true
		} else if int64(len(buf)) > maxBody {
			f.bodyOversized = true
		} else {
			f.Body = buf
		}
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	}

	return f
}

// HeaderValue looks up a header by name, case-insensitively.
func (f *Fingerprint) HeaderValue(name string) (string, bool) {
	v := f.Header.Get(name)
	if v == "" {
		return "", false
	}
	return v, true
}

// QueryValue looks up a query parameter by exact name.
func (f *Fingerprint) QueryValue(name string) (string, bool) {
	vs, ok := f.Query[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// BodyField looks up a top-level field of the buffered body, parsed as JSON
// when the Content-Type says so and as form-url-encoded otherwise. Oversized
// or unparseable bodies yield no value.
func (f *Fingerprint) BodyField(name string) (string, bool) {
	if f.bodyOversized || len(f.Body) == 0 {
		return "", false
	}
	if !f.bodyParsed {
		f.bodyFields = parseBody(f.Body, f.ContentType)
		f.bodyParsed = true
	}
	v, ok := f.bodyFields[name]
	return v, ok
}

func parseBody(body []byte, contentType string) map[string]string {
	if isJSONContentType(contentType) {
		return parseJSONBody(body)
	}
	return parseFormBody(body)
}

func isJSONContentType(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func parseJSONBody(body []byte) map[string]string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			fields[k] = v
		case json.Number:
			fields[k] = v.String()
		case bool:
			fields[k] = strconv.FormatBool(v)
		}
		// arrays, objects and nulls are not usable as bucket values
	}
	return fields
}

func parseFormBody(body []byte) map[string]string {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}
	fields := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	return fields
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := fwd
			if i := strings.IndexByte(first, ','); i >= 0 {
				first = first[:i]
			}
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
