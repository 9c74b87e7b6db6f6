package gemini

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxResponseSize caps how much of a response is read.
const DefaultMaxResponseSize = 32 << 20

// Response is a parsed Gemini response.
type Response struct {
	Status int
	Meta   string
	// Body is non-nil only for 2x responses.
	Body []byte
}

// Class returns the class of the response status.
func (r *Response) Class() Class {
	return ClassOf(r.Status)
}

// MediaType returns the MIME type of a 2x response, defaulting to
// text/gemini.
func (r *Response) MediaType() string {
	if r.Class() != ClassSuccess {
		return ""
	}
	mt := strings.TrimSpace(strings.SplitN(r.Meta, ";", 2)[0])
	if mt == "" {
		return "text/gemini"
	}
	return strings.ToLower(mt)
}

// ReadResponse reads a whole response from r, up to maxSize bytes.
func ReadResponse(r io.Reader, maxSize int64) (*Response, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && len(data) > 0) {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, ErrProtocol{Reason: "response exceeds " + strconv.FormatInt(maxSize, 10) + " bytes"}
	}
	return ParseResponse(data)
}

// ParseResponse parses a complete response: a "<status> <meta>\r\n" header
// followed, for 2x, by the body.
func ParseResponse(data []byte) (*Response, error) {
	end := bytes.Index(data, []byte("\r\n"))
	if end < 0 {
		return nil, ErrProtocol{Reason: "no header terminator found"}
	}

	header := strings.TrimSpace(string(data[:end]))
	statusStr, meta := header, ""
	if i := strings.IndexAny(header, " \t"); i >= 0 {
		statusStr, meta = header[:i], strings.TrimSpace(header[i+1:])
	}
	if statusStr == "" {
		return nil, ErrProtocol{Reason: "missing status"}
	}
	status, err := strconv.Atoi(statusStr)
	if err != nil || status < 0 {
		return nil, ErrProtocol{Reason: "non-numeric status code " + strconv.Quote(statusStr)}
	}
	if len(meta) > MaxMetaLength {
		return nil, ErrProtocol{Reason: "meta exceeds " + strconv.Itoa(MaxMetaLength) + " bytes"}
	}

	resp := &Response{Status: status, Meta: meta}
	if ClassOf(status) == ClassSuccess {
		resp.Body = append([]byte{}, data[end+2:]...)
	}
	return resp, nil
}
