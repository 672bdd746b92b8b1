package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/ratelimit"
)

// writeRateLimitHeaders reports the minute window after admission using the
// x-ratelimit-{limit,remaining,reset}-{requests,tokens} convention. Tiers
// without a ceiling are omitted.
func writeRateLimitHeaders(w http.ResponseWriter, minute ratelimit.WindowUsage, now time.Time) {
	h := w.Header()
	reset := max(minute.ResetAt.Sub(now), 0)
	resetStr := strconv.FormatFloat(reset.Seconds(), 'f', 0, 64) + "s"

	if minute.RequestLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(minute.RequestLimit))
		h.Set("x-ratelimit-remaining-requests", strconv.FormatInt(minute.RequestsRemaining(), 10))
		h.Set("x-ratelimit-reset-requests", resetStr)
	}
	if minute.TokenLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", strconv.Itoa(minute.TokenLimit))
		h.Set("x-ratelimit-remaining-tokens", strconv.FormatInt(minute.TokensRemaining(), 10))
		h.Set("x-ratelimit-reset-tokens", resetStr)
	}
}
