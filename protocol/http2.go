package protocol

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

// connection-specific fields are not allowed in HTTP/2 (RFC 9113 8.2.2)
func isConnectionSpecific(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "host":
		return true
	}
	return false
}

// RequestFields maps a request head to an HTTP/2 header list.
func RequestFields(req *message.Request, d entity.Details) ([]hpack.HeaderField, error) {
	if err := req.Header.Validate(); err != nil {
		return nil, err
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: req.Authority},
		{Name: ":path", Value: req.RequestURI()},
	}
	fields = appendRegular(fields, req.Header)
	return appendEntity(fields, req.Header, d), nil
}

// ResponseFields maps a response head to an HTTP/2 header list.
func ResponseFields(resp *message.Response, d entity.Details) ([]hpack.HeaderField, error) {
	if err := resp.Header.Validate(); err != nil {
		return nil, err
	}
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(resp.Status)}}
	fields = appendRegular(fields, resp.Header)
	if !message.BodyAllowed(resp.Status) {
		return fields, nil
	}
	if d == nil {
		return append(fields, hpack.HeaderField{Name: "content-length", Value: "0"}), nil
	}
	return appendEntity(fields, resp.Header, d), nil
}

// TrailerFields maps trailers to an HTTP/2 header list.
func TrailerFields(trailers message.Header) []hpack.HeaderField {
	return appendRegular(nil, trailers)
}

func appendRegular(fields []hpack.HeaderField, h message.Header) []hpack.HeaderField {
	for _, f := range h {
		if isConnectionSpecific(f.Name) || strings.EqualFold(f.Name, "content-length") {
			continue
		}
		if strings.EqualFold(f.Name, "te") && !strings.EqualFold(f.Value, "trailers") {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(f.Name), Value: f.Value})
	}
	return fields
}

func appendEntity(fields []hpack.HeaderField, h message.Header, d entity.Details) []hpack.HeaderField {
	if d == nil {
		return fields
	}
	if n := d.ContentLength(); n >= 0 && !d.IsChunked() {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(n, 10)})
	}
	if ct := d.ContentType(); ct != "" && !h.Has("Content-Type") {
		fields = append(fields, hpack.HeaderField{Name: "content-type", Value: ct})
	}
	if ce := d.ContentEncoding(); ce != "" && !h.Has("Content-Encoding") {
		fields = append(fields, hpack.HeaderField{Name: "content-encoding", Value: ce})
	}
	if names := d.TrailerNames(); len(names) > 0 && !h.Has("Trailer") {
		fields = append(fields, hpack.HeaderField{Name: "trailer", Value: strings.Join(names, ", ")})
	}
	return fields
}

// ParseRequestFields builds a request head from a decoded header list.
// endStream tells whether the HEADERS frame closed the stream.
func ParseRequestFields(fields []hpack.HeaderField, endStream bool) (*message.Request, entity.Details, error) {
	req := &message.Request{Version: message.HTTP20}
	regular := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if regular {
				return nil, nil, malformed("pseudo header %q after regular header", f.Name)
			}
			switch f.Name {
			case ":method":
				req.Method = f.Value
			case ":scheme":
				req.Scheme = f.Value
			case ":authority":
				req.Authority = f.Value
			case ":path":
				req.Path = f.Value
			default:
				return nil, nil, malformed("unknown pseudo header %q", f.Name)
			}
			continue
		}
		regular = true
		if err := checkField(f); err != nil {
			return nil, nil, err
		}
		req.Header.Add(f.Name, f.Value)
	}
	if req.Method == "" || (req.Method != "CONNECT" && (req.Path == "" || req.Scheme == "")) {
		return nil, nil, malformed("missing request pseudo header")
	}
	if req.Authority == "" {
		req.Authority = req.Header.Get("Host")
	}

	d, err := incomingDetails(req.Header, endStream, true)
	if err != nil {
		return nil, nil, err
	}
	return req, d, nil
}

// ParseResponseFields builds a response head from a decoded header list.
func ParseResponseFields(fields []hpack.HeaderField, method string, endStream bool) (*message.Response, entity.Details, error) {
	resp := &message.Response{Version: message.HTTP20}
	regular := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if regular || f.Name != ":status" {
				return nil, nil, malformed("unexpected pseudo header %q", f.Name)
			}
			status, err := strconv.Atoi(f.Value)
			if err != nil || len(f.Value) != 3 {
				return nil, nil, malformed("bad :status %q", f.Value)
			}
			resp.Status = status
			continue
		}
		regular = true
		if err := checkField(f); err != nil {
			return nil, nil, err
		}
		resp.Header.Add(f.Name, f.Value)
	}
	if resp.Status == 0 {
		return nil, nil, malformed("missing :status")
	}

	if method == "HEAD" || !message.BodyAllowed(resp.Status) {
		return resp, nil, nil
	}
	d, err := incomingDetails(resp.Header, endStream, false)
	if err != nil {
		return nil, nil, err
	}
	return resp, d, nil
}

// ParseTrailerFields validates a trailer header list.
func ParseTrailerFields(fields []hpack.HeaderField) (message.Header, error) {
	var h message.Header
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			return nil, malformed("pseudo header %q in trailers", f.Name)
		}
		if err := checkField(f); err != nil {
			return nil, err
		}
		h.Add(f.Name, f.Value)
	}
	return h, nil
}

func checkField(f hpack.HeaderField) error {
	if strings.ToLower(f.Name) != f.Name || !httpguts.ValidHeaderFieldName(f.Name) {
		return malformed("invalid header name %q", f.Name)
	}
	if isConnectionSpecific(f.Name) && f.Name != "host" {
		return malformed("connection-specific header %q", f.Name)
	}
	if !httpguts.ValidHeaderFieldValue(f.Value) {
		return malformed("invalid value for header %q", f.Name)
	}
	return nil
}

// incomingDetails describes the body that follows a HEADERS frame. A stream
// ended by HEADERS carries no body, except a response declaring length 0,
// which still gets an (empty) body for symmetry with HTTP/1.1.
func incomingDetails(h message.Header, endStream, isRequest bool) (entity.Details, error) {
	info := entity.Info{
		Length:   -1,
		Type:     h.Get("content-type"),
		Encoding: h.Get("content-encoding"),
		Chunked:  true,
	}
	if v := h.Get("content-length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, malformed("bad content-length %q", v)
		}
		info.Length, info.Chunked = n, false
	}
	if endStream {
		if info.Length > 0 {
			return nil, malformed("content-length %d on empty stream", info.Length)
		}
		if info.Length < 0 || isRequest {
			return nil, nil
		}
	}
	if t := h.Get("trailer"); t != "" {
		for _, name := range strings.Split(t, ",") {
			info.Trailers = append(info.Trailers, strings.TrimSpace(name))
		}
	}
	return info, nil
}
