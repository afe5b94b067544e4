package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	storedAtHeaderName     = "Offline-Cache-Stored-At"
	responseTypeHeaderName = "Offline-Cache-Response-Type"
)

// ResponseType mirrors the fetch response types relevant to caching.
type ResponseType string

const (
	// Same-origin response.
	ResponseTypeBasic ResponseType = "basic"
	// Cross-origin response the origin explicitly shared.
	ResponseTypeCors ResponseType = "cors"
	// Cross-origin response without CORS headers.
	ResponseTypeOpaque ResponseType = "opaque"
)

// Snapshot is a stored copy of a response.
type Snapshot struct {
	Response *http.Response
	// Body as captured at cache-write time.
	// Response.Body is never read by the serializer.
	Body     []byte
	Type     ResponseType
	StoredAt time.Time
}

// NewSnapshot reads the response body and returns a snapshot of the response.
// The response body is replaced with an equivalent unread body, so the response
// can still be sent to the client.
func NewSnapshot(res *http.Response, typ ResponseType) (Snapshot, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Snapshot{}, err
		}
		body = b
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	res.Header.Del("Content-Length")
	return Snapshot{
		Response: res,
		Body:     body,
		Type:     typ,
		StoredAt: time.Now(),
	}, nil
}

// NewResponse returns a fresh response carrying the snapshot.
// Each call returns an independent body.
func (s Snapshot) NewResponse() *http.Response {
	res := *s.Response
	res.Header = s.Response.Header.Clone()
	res.Body = io.NopCloser(bytes.NewReader(s.Body))
	res.ContentLength = int64(len(s.Body))
	return &res
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// SnapshotToBytes writes the request head, a delimiter, and the HTTP/1.1 response.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	res := s.NewResponse()
	req := res.Request
	buf := &bytes.Buffer{}

	if req != nil {
		head := &http.Request{
			Method: req.Method,
			URL:    req.URL,
			Host:   req.Host,
			Proto:  "HTTP/1.1",
			Header: http.Header{},
		}
		if err := head.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	} else {
		log.Warn().Msg("Request not set")
	}
	buf.Write(delim)

	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	res.Header.Set(responseTypeHeaderName, string(s.Type))
	res.Proto, res.ProtoMajor, res.ProtoMinor = "HTTP/1.1", 1, 1
	res.TransferEncoding = nil
	res.Request = nil
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses bytes written by SnapshotToBytes.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	bParts := bytes.SplitN(b, delim, 2)
	if len(bParts) != 2 {
		return Snapshot{}, fmt.Errorf("missing request delimiter")
	}
	reqBytes := bParts[0]
	resBytes := bParts[1]
	var req *http.Request
	if len(reqBytes) > 0 {
		r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Bytes("bytes", reqBytes).Msg("Could not read request from stored response")
		} else {
			req = r
		}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return Snapshot{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Response: res,
		Body:     body,
		Type:     ResponseType(res.Header.Get(responseTypeHeaderName)),
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(storedAt, 0)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(responseTypeHeaderName)
	res.Header.Del("Content-Length")
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return s, nil
}
