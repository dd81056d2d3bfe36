package rules

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// Matcher is a polymorphic predicate over a request (§3). Match reports
// whether the matcher matches and whether the decision is still uncertain
// because it depends on body bytes that have not fully arrived (§4.3).
type Matcher interface {
	Match(req *request.Request) (matched, uncertain bool)
}

// MethodMatcher matches the HTTP method, case-insensitively.
type MethodMatcher struct{ Method string }

func (m MethodMatcher) Match(req *request.Request) (bool, bool) {
	return strings.EqualFold(req.Method, m.Method), false
}

// PathMatcher matches the path component exactly (no query string).
type PathMatcher struct{ Path string }

func (m PathMatcher) Match(req *request.Request) (bool, bool) {
	return req.Path == m.Path, false
}

// PathQueryMatcher matches path and raw query string together.
type PathQueryMatcher struct {
	Path  string
	Query string
}

func (m PathQueryMatcher) Match(req *request.Request) (bool, bool) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false, false
	}
	return u.Path == m.Path && u.RawQuery == m.Query, false
}

// RegexMatcher matches the path against a compiled regular expression.
type RegexMatcher struct{ Pattern *regexp.Regexp }

func (m RegexMatcher) Match(req *request.Request) (bool, bool) {
	return m.Pattern.MatchString(req.Path), false
}

// HostMatcher matches "host:port" (or bare host when no port) exactly.
type HostMatcher struct{ Host string }

func (m HostMatcher) Match(req *request.Request) (bool, bool) {
	if v, ok := req.Header.First("host"); ok {
		return v == m.Host, false
	}
	return false, false
}

// HostnameMatcher matches the hostname only, ignoring any port.
type HostnameMatcher struct{ Hostname string }

func (m HostnameMatcher) Match(req *request.Request) (bool, bool) {
	return req.Destination.Hostname == m.Hostname, false
}

// PortMatcher matches the destination port.
type PortMatcher struct{ Port int }

func (m PortMatcher) Match(req *request.Request) (bool, bool) {
	return req.Destination.Port == m.Port, false
}

// ProtocolMatcher matches against the restricted protocol enumeration.
type ProtocolMatcher struct{ Protocol request.Protocol }

func (m ProtocolMatcher) Match(req *request.Request) (bool, bool) {
	return req.Protocol == m.Protocol, false
}

// HeaderMatcher matches a single header's first value exactly
// (case-insensitive name).
type HeaderMatcher struct {
	Name  string
	Value string
}

func (m HeaderMatcher) Match(req *request.Request) (bool, bool) {
	v, ok := req.Header.First(m.Name)
	return ok && v == m.Value, false
}

// QuerySubsetMatcher matches when every key in Want is present in the
// request's query string with the same value(s); array-valued keys require
// the request's values to be a superset of Want's (§3 "subset match").
type QuerySubsetMatcher struct{ Want url.Values }

func (m QuerySubsetMatcher) Match(req *request.Request) (bool, bool) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false, false
	}
	got := u.Query()
	for key, wantVals := range m.Want {
		gotVals := got[key]
		if !isSubset(wantVals, gotVals) {
			return false, false
		}
	}
	return true, false
}

func isSubset(want, got []string) bool {
	for _, w := range want {
		found := false
		for _, g := range got {
			if w == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExactQueryStringMatcher matches the raw query string byte-for-byte.
type ExactQueryStringMatcher struct{ Query string }

func (m ExactQueryStringMatcher) Match(req *request.Request) (bool, bool) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false, false
	}
	return u.RawQuery == m.Query, false
}

// BodyExactMatcher matches the decoded body byte-for-byte.
type BodyExactMatcher struct{ Body []byte }

func (m BodyExactMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	got, err := req.Body.Decoded()
	if err != nil {
		return false, false
	}
	return bytes.Equal(got, m.Body), false
}

// BodyIncludesMatcher matches when the decoded body contains a substring.
// It is applied to the content-decoded body, so it matches inside
// gzip/zstd-decoded content too (§3).
type BodyIncludesMatcher struct{ Substr []byte }

func (m BodyIncludesMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	got, err := req.Body.Decoded()
	if err != nil {
		return false, false
	}
	return bytes.Contains(got, m.Substr), false
}

// BodyRegexMatcher matches the decoded body against a regular expression.
type BodyRegexMatcher struct{ Pattern *regexp.Regexp }

func (m BodyRegexMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	got, err := req.Body.Decoded()
	if err != nil {
		return false, false
	}
	return m.Pattern.Match(got), false
}

// JSONBodyExactMatcher matches the decoded body as JSON, deep-equal to Want.
type JSONBodyExactMatcher struct{ Want interface{} }

func (m JSONBodyExactMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	var got interface{}
	if err := req.Body.JSON(&got); err != nil {
		return false, false
	}
	return jsonEqual(got, m.Want), false
}

func jsonEqual(a, b interface{}) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var na, nb interface{}
	if json.Unmarshal(ab, &na) != nil || json.Unmarshal(bb, &nb) != nil {
		return false
	}
	return deepJSONEqual(na, nb)
}

func deepJSONEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepJSONEqual(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepJSONEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// JSONBodySubsetMatcher matches when Want is recursively contained in the
// decoded JSON body: objects require Want's keys to be present with
// matching values, arrays require a subset of elements (§3).
type JSONBodySubsetMatcher struct{ Want interface{} }

func (m JSONBodySubsetMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	var got interface{}
	if err := req.Body.JSON(&got); err != nil {
		return false, false
	}
	normalized, err := normalizeJSON(m.Want)
	if err != nil {
		return false, false
	}
	return jsonSubset(normalized, got), false
}

func normalizeJSON(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonSubset(want, got interface{}) bool {
	switch wv := want.(type) {
	case map[string]interface{}:
		gv, ok := got.(map[string]interface{})
		if !ok {
			return false
		}
		for k, v := range wv {
			gvv, ok := gv[k]
			if !ok || !jsonSubset(v, gvv) {
				return false
			}
		}
		return true
	case []interface{}:
		gv, ok := got.([]interface{})
		if !ok {
			return false
		}
		for _, wantElem := range wv {
			found := false
			for _, gotElem := range gv {
				if jsonSubset(wantElem, gotElem) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return want == got
	}
}

// FormSubsetMatcher matches when every key/value in Want is present in the
// decoded application/x-www-form-urlencoded body.
type FormSubsetMatcher struct{ Want url.Values }

func (m FormSubsetMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	got, err := req.Body.Form()
	if err != nil {
		return false, false
	}
	for k, wantVals := range m.Want {
		if !isSubset(wantVals, got[k]) {
			return false, false
		}
	}
	return true, false
}

// MultipartFieldWant describes an expected multipart/form-data field. An
// empty Content means "present, any content"; non-empty requires an exact
// match against the part's bytes.
type MultipartFieldWant struct {
	Name     string
	Filename string
	Content  []byte
}

// MultipartMatcher matches a set of expected multipart fields by name,
// filename and (optionally) content.
type MultipartMatcher struct {
	ContentType string
	Want        []MultipartFieldWant
}

func (m MultipartMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	fields, err := req.Body.Multipart(m.ContentType)
	if err != nil {
		return false, false
	}
	for _, want := range m.Want {
		found := false
		for _, got := range fields {
			if got.Name != want.Name {
				continue
			}
			if want.Filename != "" && got.Filename != want.Filename {
				continue
			}
			if len(want.Content) > 0 && !bytes.Equal(got.Content, want.Content) {
				continue
			}
			found = true
			break
		}
		if !found {
			return false, false
		}
	}
	return true, false
}

// JSONRPCMatcher matches a well-formed JSON-RPC 2.0 envelope by method
// and/or a subset of its params.
type JSONRPCMatcher struct {
	Method       string // empty means "any method"
	ParamsSubset interface{}
}

func (m JSONRPCMatcher) Match(req *request.Request) (bool, bool) {
	if !req.Body.IsCompleted() {
		return false, true
	}
	data, err := req.Body.Decoded()
	if err != nil {
		return false, false
	}
	rpcReq, err := request.ParseJSONRPCRequest(data)
	if err != nil {
		return false, false
	}
	if m.Method != "" && rpcReq.Method != m.Method {
		return false, false
	}
	if m.ParamsSubset != nil {
		var params interface{}
		if err := json.Unmarshal(rpcReq.Params, &params); err != nil {
			return false, false
		}
		normalized, err := normalizeJSON(m.ParamsSubset)
		if err != nil {
			return false, false
		}
		if !jsonSubset(normalized, params) {
			return false, false
		}
	}
	return true, false
}

// AnyMatcher matches every request.
type AnyMatcher struct{}

func (AnyMatcher) Match(*request.Request) (bool, bool) { return true, false }

// UnmatchedMatcher never matches, so a rule that includes it is never
// selected; requests that fall through to the fallback are not routed to it.
type UnmatchedMatcher struct{}

func (UnmatchedMatcher) Match(*request.Request) (bool, bool) { return false, false }
