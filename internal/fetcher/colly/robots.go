package collyfetcher

import (
	"errors"
	"io"
	"net/http"
	"strings"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsFallback serves robots.txt through base once. A transport error or a
// 5xx reply is replaced by an allow-all policy so an unhealthy robots.txt
// never hides a catalog page; colly would otherwise treat it as disallow-all.
type robotsFallback struct {
	base   http.RoundTripper
	reason string
}

func (t *robotsFallback) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		return t.base.RoundTrip(req)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.note(err.Error())
		return allowAllResponse(req), nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		t.note("robots.txt returned " + resp.Status)
		return allowAllResponse(req), nil
	}
	return resp, nil
}

// substituted reports whether the allow-all policy stood in for robots.txt.
func (t *robotsFallback) substituted() bool { return t.reason != "" }

func (t *robotsFallback) note(reason string) {
	if t.reason == "" {
		t.reason = reason
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}
