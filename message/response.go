package message

import "net/http"

// Response is the head of a response.
type Response struct {
	Status  int
	Reason  string
	Header  Header
	Version Version
}

// NewResponse returns a response head with the canonical reason phrase.
func NewResponse(status int, kv ...string) *Response {
	return &Response{
		Status:  status,
		Reason:  http.StatusText(status),
		Header:  Pairs(kv...),
		Version: HTTP11,
	}
}

// IsInformational reports a 1xx status.
func (r *Response) IsInformational() bool {
	return r.Status >= 100 && r.Status < 200
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// BodyAllowed reports whether a response with this status may carry content.
func BodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == 204, status == 304:
		return false
	}
	return true
}
