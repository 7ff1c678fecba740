package s3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- S3 ETags are MD5 digests
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	mockEndpoint = "https://mock.s3.local"
	mockBucket   = "mock-bucket"
	metaHeader   = "X-Amz-Meta-"
)

// NewMockForTests returns a Store whose HTTP transport is an in-memory bucket.
// It implements the object calls the store issues, including conditional
// puts, user metadata and aws-chunked request bodies.
func NewMockForTests() *Store {
	bucket := &mockBucketTransport{objects: make(map[string]mockObject)}
	store, err := New(context.Background(), Config{
		Bucket:          mockBucket,
		Endpoint:        mockEndpoint,
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: bucket}
	})
	if err != nil {
		panic(fmt.Sprintf("mock s3 store: %v", err))
	}
	return store
}

type mockObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	etag        string
	modified    time.Time
}

type mockBucketTransport struct {
	mu      sync.Mutex
	objects map[string]mockObject
}

func (m *mockBucketTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, key, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
	switch {
	case req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2":
		return m.list(req.URL.Query().Get("prefix"))
	case req.Method == http.MethodPut:
		return m.put(req, key)
	case req.Method == http.MethodHead, req.Method == http.MethodGet:
		obj, ok := m.objects[key]
		if !ok {
			return mockError(http.StatusNotFound, "NoSuchKey", req.Method != http.MethodHead), nil
		}
		resp := mockResponse(http.StatusOK, nil)
		resp.Header.Set("Content-Length", strconv.Itoa(len(obj.body)))
		resp.Header.Set("Content-Type", obj.contentType)
		resp.Header.Set("ETag", `"`+obj.etag+`"`)
		resp.Header.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		for k, v := range obj.metadata {
			resp.Header.Set(metaHeader+k, v)
		}
		if req.Method == http.MethodGet {
			resp.Body = io.NopCloser(bytes.NewReader(obj.body))
			resp.ContentLength = int64(len(obj.body))
		}
		return resp, nil
	case req.Method == http.MethodDelete:
		delete(m.objects, key)
		return mockResponse(http.StatusNoContent, nil), nil
	}
	return mockError(http.StatusNotImplemented, "NotImplemented", true), nil
}

func (m *mockBucketTransport) put(req *http.Request, key string) (*http.Response, error) {
	if _, exists := m.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
		return mockError(http.StatusPreconditionFailed, "PreconditionFailed", true), nil
	}
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, err
		}
	}
	if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") || req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
		var err error
		if body, err = decodeChunked(body); err != nil {
			return mockError(http.StatusBadRequest, "IncompleteBody", true), nil
		}
	}
	sum := md5.Sum(body) // #nosec G401
	obj := mockObject{
		body:        body,
		contentType: req.Header.Get("Content-Type"),
		metadata:    make(map[string]string),
		etag:        hex.EncodeToString(sum[:]),
		modified:    time.Now().UTC().Truncate(time.Second),
	}
	for name, values := range req.Header {
		if k, ok := strings.CutPrefix(http.CanonicalHeaderKey(name), metaHeader); ok && len(values) > 0 {
			obj.metadata[strings.ToLower(k)] = values[0]
		}
	}
	m.objects[key] = obj
	resp := mockResponse(http.StatusOK, nil)
	resp.Header.Set("ETag", `"`+obj.etag+`"`)
	return resp, nil
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	IsTruncated bool          `xml:"IsTruncated"`
	KeyCount    int           `xml:"KeyCount"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
}

func (m *mockBucketTransport) list(prefix string) (*http.Response, error) {
	result := listResult{}
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			result.Contents = append(result.Contents, listContent{
				Key:          key,
				Size:         len(obj.body),
				ETag:         `"` + obj.etag + `"`,
				LastModified: obj.modified.Format(time.RFC3339),
			})
		}
	}
	slices.SortFunc(result.Contents, func(a, b listContent) int { return strings.Compare(a.Key, b.Key) })
	result.KeyCount = len(result.Contents)
	body, err := xml.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp := mockResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "application/xml")
	return resp, nil
}

func mockResponse(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// mockError answers with an S3 error document; HEAD responses carry no body.
func mockError(status int, code string, withBody bool) *http.Response {
	if !withBody {
		return mockResponse(status, nil)
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, http.StatusText(status))
	resp := mockResponse(status, []byte(body))
	resp.Header.Set("Content-Type", "application/xml")
	return resp
}

// decodeChunked strips aws-chunked framing: <hex size>[;ext]\r\n<data>\r\n
// repeated until a zero-size chunk, followed by optional trailers.
func decodeChunked(b []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	var out []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("chunk header: %w", err)
		}
		sizeHex, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseUint(sizeHex, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return out, nil
		}
		chunk := make([]byte, size+2)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("chunk body: %w", err)
		}
		if string(chunk[size:]) != "\r\n" {
			return nil, fmt.Errorf("chunk of %d bytes not terminated", size)
		}
		out = append(out, chunk[:size]...)
	}
}
