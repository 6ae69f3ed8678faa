package session

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

type roundTripper struct {
	client Client
}

// RoundTripper lets an ordinary *http.Client send through c.
func RoundTripper(c Client) http.RoundTripper {
	return &roundTripper{client: c}
}

func (rt *roundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	b, err := FromHTTP(rt.client, r, r.URL.String())
	if err != nil {
		return nil, err
	}
	resp, err := b.Send(r.Context())
	if err != nil {
		return nil, err
	}

	header := resp.Headers.ToHTTP()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}
