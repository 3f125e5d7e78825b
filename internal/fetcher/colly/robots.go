package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/mapharvest/internal/fetcher"
	"github.com/JakeFAU/mapharvest/internal/schedule"
)

const (
	robotsPath          = "/robots.txt"
	robotsAllowAll      = "User-agent: *\nAllow: /"
	robotsReasonTimeout = "robots.txt timed out"
)

// Listing websites are often small shops on slow shared hosting. A robots.txt
// lookup that keeps timing out is answered with allow-all and the outcome is
// recorded on the response.
var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport retries robots.txt timeouts and passes every other
// request straight to base.
type robotsAwareTransport struct {
	base  http.RoundTripper
	state *robotsOutcome
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if t.state != nil && strings.EqualFold(req.URL.Path, robotsPath) {
		return t.state.lookup(req, t.base)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

// robotsOutcome records how the robots.txt lookup of one visit ended.
type robotsOutcome struct {
	status fetcher.RobotsStatus
	reason string
}

func newRobotsOutcome() *robotsOutcome {
	return &robotsOutcome{}
}

func (s *robotsOutcome) apply(resp *fetcher.Response) {
	if s == nil || resp == nil || s.status == fetcher.RobotsStatusUnknown {
		return
	}
	resp.RobotsStatus, resp.RobotsReason = s.status, s.reason
}

func (s *robotsOutcome) lookup(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(ctx)
		attemptReq.Body = req.Body
		resp, err := base.RoundTrip(attemptReq)
		switch {
		case err == nil:
			return resp, nil
		case !isTimeout(err):
			return nil, fmt.Errorf("robots lookup %s: %w", req.URL.Host, err)
		case attempt == len(robotsRetryBackoff):
			s.status = fetcher.RobotsStatusIndeterminate
			s.reason = robotsReasonTimeout
			return allowAllResponse(req), nil
		}
		if err := schedule.Sleep(ctx, robotsRetryBackoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots lookup backoff: %w", err)
		}
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
