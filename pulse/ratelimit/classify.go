package ratelimit

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/teranos/quire/errors"
)

// StatusOverloaded is the upstream's non-standard "overloaded" status.
const StatusOverloaded = 529

type httpStatuser interface {
	HTTPStatus() int
}

type errorTyper interface {
	ErrorType() string
}

var backOffPhrases = []string{
	"rate limit",
	"rate_limit",
	"overloaded",
	"too fast",
	"too many requests",
}

// backOffStatus matches a bare 429 or 529 in a message, but not inside a longer number or ID.
var backOffStatus = regexp.MustCompile(`\b(429|529)\b`)

// IsRateLimitError reports whether err is an upstream signal to back off:
// either a hard rate limit or a soft overload. Both are handled the same way.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var hs httpStatuser
	if errors.As(err, &hs) {
		switch hs.HTTPStatus() {
		case http.StatusTooManyRequests, StatusOverloaded:
			return true
		}
	}

	var et errorTyper
	if errors.As(err, &et) {
		switch et.ErrorType() {
		case "rate_limit_error", "overloaded_error":
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range backOffPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return backOffStatus.MatchString(msg)
}
