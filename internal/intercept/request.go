package intercept

import (
	"strings"
	"time"

	"tilecache/internal/render"
)

// Mode selects how a request is answered.
type Mode int

const (
	// ModeServe answers a client: cached bytes on a hit, rendered bytes on a miss.
	ModeServe Mode = iota
	// ModeSeed renders only to populate the store. The response carries no body.
	ModeSeed
)

// Request is an intercepted map request.
type Request struct {
	Map render.MapRequest

	// GridSet names the grid set the request is addressed in. When empty, the
	// request's SRS is looked up instead.
	GridSet string

	Mode Mode

	// IfNoneMatch is the raw If-None-Match header of the client request.
	IfNoneMatch string
}

// Outcome says what the caller should do with a Response.
type Outcome string

const (
	// OutcomeHit carries cached bytes.
	OutcomeHit Outcome = "hit"
	// OutcomeMiss carries bytes rendered for this request, now cached.
	OutcomeMiss Outcome = "miss"
	// OutcomeNotModified means the client's copy is current; there is no body.
	OutcomeNotModified Outcome = "not_modified"
	// OutcomePass carries bytes rendered for a request that cannot be cached.
	OutcomePass Outcome = "pass"
	// OutcomeSeeded means the store was populated and no response must be written
	// beyond an acknowledgement.
	OutcomeSeeded Outcome = "seeded"
)

// Response is the cache's answer to a Request.
type Response struct {
	Outcome      Outcome
	Data         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	MaxAge       time.Duration
}

// Cacheable reports whether the response carries validators a client may reuse.
func (r *Response) Cacheable() bool {
	return r.Outcome == OutcomeHit || r.Outcome == OutcomeMiss || r.Outcome == OutcomeNotModified
}

// etagMatches reports whether an If-None-Match header names etag. Weak validators
// compare equal to strong ones, as GET requires.
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == etag {
			return true
		}
	}
	return false
}
