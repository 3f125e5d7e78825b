// Package fetcher declares the plain HTTP fetch contract used by the
// geocoder and the contact enricher.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// RobotsStatus reports what the robots.txt lookup concluded for a fetch.
type RobotsStatus string

// Robots lookup outcomes.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL                   string
	Headers               http.Header
	RespectRobots         bool
	RespectRobotsProvided bool
}

// Response is the body plus metadata of a completed fetch.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	RobotsStatus RobotsStatus
	RobotsReason string
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// Waiter paces outbound requests, typically per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}
