package interaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrCorruptCassette is matched by every decoding failure of stored data.
var ErrCorruptCassette = errors.New("corrupt cassette")

// CorruptError describes where stored data failed to decode.
type CorruptError struct {
	// Index is the position of the interaction in its cassette, or -1.
	Index int
	Err   error
}

func (e *CorruptError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("corrupt cassette: interaction %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("corrupt cassette: %v", e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorruptCassette
}

// byteArray encodes bytes as a JSON array of numbers instead of base64.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(c)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("body must be an array of bytes: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > math.MaxUint8 {
			return fmt.Errorf("body byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

func (p RedirectPolicy) MarshalJSON() ([]byte, error) {
	if p.disabled {
		return []byte(`"None"`), nil
	}
	return json.Marshal(struct {
		Limit int `json:"Limit"`
	}{Limit: p.limit})
}

func (p *RedirectPolicy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if name != "None" {
			return fmt.Errorf("unknown redirect policy %q", name)
		}
		*p = NoRedirects()
		return nil
	}
	var limited struct {
		Limit *int `json:"Limit"`
	}
	if err := json.Unmarshal(data, &limited); err != nil {
		return fmt.Errorf("invalid redirect policy: %w", err)
	}
	if limited.Limit == nil || *limited.Limit < 0 {
		return fmt.Errorf("redirect limit must be a non-negative integer")
	}
	*p = Limited(*limited.Limit)
	return nil
}

type wireTarget struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

type wireBasicAuth struct {
	Username string  `json:"username"`
	Password *string `json:"password"`
}

type wireRequest struct {
	Target    *wireTarget    `json:"target"`
	Gzip      bool           `json:"gzip"`
	Redirect  RedirectPolicy `json:"redirect"`
	Timeout   *float64       `json:"timeout"`
	BasicAuth *wireBasicAuth `json:"basic_auth"`
	Headers   Headers        `json:"headers"`
	Body      byteArray      `json:"body"`
}

type wireResponse struct {
	URL     string    `json:"url"`
	Status  int       `json:"status"`
	Headers Headers   `json:"headers"`
	Body    byteArray `json:"body"`
}

type wireInteraction struct {
	Request  *Request  `json:"request"`
	Response *Response `json:"response"`
}

func (r *Request) MarshalJSON() ([]byte, error) {
	w := wireRequest{
		Gzip:     r.Gzip,
		Redirect: r.Redirect,
		Headers:  r.Headers,
		Body:     byteArray(r.Body),
	}
	if r.Target != nil {
		w.Target = &wireTarget{URL: r.Target.URL.String(), Method: r.Target.Method}
	}
	if r.Timeout > 0 {
		secs := r.Timeout.Seconds()
		w.Timeout = &secs
	}
	if r.BasicAuth != nil {
		w.BasicAuth = &wireBasicAuth{Username: r.BasicAuth.Username, Password: r.BasicAuth.Password}
	}
	return json.Marshal(w)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	w := wireRequest{Redirect: DefaultRedirectPolicy()}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Request{
		Gzip:     w.Gzip,
		Redirect: w.Redirect,
		Headers:  w.Headers,
		Body:     []byte(w.Body),
	}
	if w.Target != nil {
		if strings.TrimSpace(w.Target.Method) == "" {
			return fmt.Errorf("request target has no method")
		}
		u, err := parseAbsoluteURL(w.Target.URL)
		if err != nil {
			return fmt.Errorf("request target url: %w", err)
		}
		out.Target = &Target{Method: w.Target.Method, URL: u}
	}
	if w.Timeout != nil {
		if *w.Timeout < 0 || math.IsNaN(*w.Timeout) || math.IsInf(*w.Timeout, 0) {
			return fmt.Errorf("invalid timeout %v", *w.Timeout)
		}
		out.Timeout = time.Duration(math.Round(*w.Timeout * float64(time.Second)))
	}
	if w.BasicAuth != nil {
		out.BasicAuth = &BasicAuth{Username: w.BasicAuth.Username, Password: w.BasicAuth.Password}
	}

	*r = out
	return nil
}

func (r *Response) MarshalJSON() ([]byte, error) {
	body := r.Body
	if body == nil {
		body = []byte{}
	}
	return json.Marshal(wireResponse{
		URL:     r.URL,
		Status:  r.Status,
		Headers: r.Headers,
		Body:    byteArray(body),
	})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Status < 0 || w.Status > math.MaxUint16 {
		return fmt.Errorf("response status out of range: %d", w.Status)
	}
	if w.URL != "" {
		if _, err := parseAbsoluteURL(w.URL); err != nil {
			return fmt.Errorf("response url: %w", err)
		}
	}
	body := []byte(w.Body)
	if body == nil {
		body = []byte{}
	}
	*r = Response{
		URL:     w.URL,
		Status:  w.Status,
		Headers: w.Headers,
		Body:    body,
	}
	return nil
}

func (i Interaction) MarshalJSON() ([]byte, error) {
	if i.Request == nil || i.Response == nil {
		return nil, fmt.Errorf("interaction is missing its request or response")
	}
	return json.Marshal(wireInteraction{Request: i.Request, Response: i.Response})
}

func (i *Interaction) UnmarshalJSON(data []byte) error {
	var w wireInteraction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Request == nil {
		return fmt.Errorf("interaction has no request")
	}
	if w.Response == nil {
		return fmt.Errorf("interaction has no response")
	}
	i.Request = w.Request
	i.Response = w.Response
	return nil
}

// Marshal serializes a single interaction.
func Marshal(i Interaction) ([]byte, error) {
	return json.Marshal(i)
}

// Unmarshal decodes a single interaction. Any failure matches
// ErrCorruptCassette.
func Unmarshal(data []byte) (Interaction, error) {
	var i Interaction
	if err := json.Unmarshal(data, &i); err != nil {
		return Interaction{}, &CorruptError{Index: -1, Err: err}
	}
	return i, nil
}

// MarshalList serializes interactions as an indented JSON array.
func MarshalList(interactions []Interaction) ([]byte, error) {
	if interactions == nil {
		interactions = []Interaction{}
	}
	data, err := json.MarshalIndent(interactions, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// UnmarshalList decodes a JSON array of interactions. Empty input is an
// empty list.
func UnmarshalList(data []byte) ([]Interaction, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &CorruptError{Index: -1, Err: err}
	}
	out := make([]Interaction, 0, len(raws))
	for idx, raw := range raws {
		var i Interaction
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, &CorruptError{Index: idx, Err: err}
		}
		out = append(out, i)
	}
	return out, nil
}
