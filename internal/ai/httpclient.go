package ai

import (
	"net/http"
	"time"
)

// streamClient builds the client for streaming calls. A whole-request timeout
// would cut off any answer that streams longer than the budget, so only the
// wait for response headers is bounded; body reads are governed by the
// request context.
func streamClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: tr}
}
