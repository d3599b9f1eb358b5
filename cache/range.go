// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package cache

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// byteRange is one resolved inclusive range within a body of known size.
type byteRange struct {
	start, end int64
}

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, size)
}

// parseRanges resolves a Range header against a body size. It returns
// nil with ok=false when the header is malformed (the range is then
// ignored) and an empty non-nil slice means no satisfiable range.
func parseRanges(header string, size int64) (ranges []byteRange, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return nil, false
	}
	ranges = []byteRange{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		startText, endText, found := strings.Cut(part, "-")
		if !found {
			return nil, false
		}
		if startText == "" {
			// suffix form: last N bytes
			n, err := strconv.ParseInt(endText, 10, 64)
			if err != nil || n <= 0 {
				return nil, false
			}
			if n > size {
				n = size
			}
			if n > 0 {
				ranges = append(ranges, byteRange{start: size - n, end: size - 1})
			}
			continue
		}
		start, err := strconv.ParseInt(startText, 10, 64)
		if err != nil || start < 0 {
			return nil, false
		}
		end := size - 1
		if endText != "" {
			end, err = strconv.ParseInt(endText, 10, 64)
			if err != nil || end < start {
				return nil, false
			}
			if end > size-1 {
				end = size - 1
			}
		}
		if start >= size {
			continue
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges, true
}

// buildRangeResponse applies a Range header to a stored body: 206 with a
// single Content-Range, multipart/byteranges for several ranges, or 416
// when none is satisfiable.
func buildRangeResponse(header string, status int, headers http.Header, body []byte) (*Response, error) {
	size := int64(len(body))
	ranges, ok := parseRanges(header, size)
	if !ok {
		// malformed ranges fall back to the full body
		headers.Set("Content-Length", strconv.Itoa(len(body)))
		return &Response{StatusCode: status, Headers: headers, Body: body}, nil
	}
	if len(ranges) == 0 {
		headers = cloneHeader(headers)
		headers.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		headers.Del("Content-Length")
		return &Response{StatusCode: http.StatusRequestedRangeNotSatisfiable, Headers: headers}, nil
	}
	if len(ranges) == 1 {
		r := ranges[0]
		part := body[r.start : r.end+1]
		headers.Set("Content-Range", r.contentRange(size))
		headers.Set("Content-Length", strconv.Itoa(len(part)))
		return &Response{StatusCode: http.StatusPartialContent, Headers: headers, Body: part}, nil
	}

	contentType := headers.Get("Content-Type")
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	for _, r := range ranges {
		partHeader := make(textproto.MIMEHeader)
		if contentType != "" {
			partHeader.Set("Content-Type", contentType)
		}
		partHeader.Set("Content-Range", r.contentRange(size))
		part, err := writer.CreatePart(partHeader)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if _, err := part.Write(body[r.start : r.end+1]); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	headers.Set("Content-Type", "multipart/byteranges; boundary="+writer.Boundary())
	headers.Set("Content-Length", strconv.Itoa(buffer.Len()))
	return &Response{StatusCode: http.StatusPartialContent, Headers: headers, Body: buffer.Bytes()}, nil
}
