package gotrue

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
)

const maxErrorBody = 4096

// exchange is a single-call http.RoundTripper. The GoTrue client builds its
// requests without a context and reports failures as plain strings, so the
// exchange binds the caller's ctx and keeps the status and error body for
// mapping onto domain errors.
type exchange struct {
	ctx    context.Context
	cancel context.CancelFunc
	base   http.RoundTripper
	query  url.Values

	status int
	body   []byte
}

func (e *exchange) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(e.ctx)
	if len(e.query) > 0 {
		q := out.URL.Query()
		for key, values := range e.query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		out.URL.RawQuery = q.Encode()
	}
	out.Header.Set("User-Agent", userAgent)

	resp, err := e.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	e.status = resp.StatusCode

	if resp.StatusCode >= http.StatusBadRequest {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		e.body = data
		resp.Body = io.NopCloser(bytes.NewReader(data))
	}
	return resp, nil
}

// message is the provider's description of a failed call
func (e *exchange) message() string {
	if len(e.body) == 0 {
		return http.StatusText(e.status)
	}
	return readError(e.body)
}

// release ends the exchange's context; the GoTrue client has fully read the
// response by the time its call returns
func (e *exchange) release() {
	e.cancel()
}
