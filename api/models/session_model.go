package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lebao3105/LocalTalk-sub002/session"
)

// ParseContentRange parses the Content-Range header on a chunk upload,
// "bytes <start>-<end>/<total>" with "*" for an undeclared total. An
// empty header means the body carries the whole file.
func ParseContentRange(header string) (*session.ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return nil, fmt.Errorf("unsupported range unit in %q", header)
	}
	span, totalText, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("missing total in range %q", header)
	}
	startText, endText, ok := strings.Cut(span, "-")
	if !ok {
		return nil, fmt.Errorf("missing span in range %q", header)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startText), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad range start in %q", header)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(endText), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad range end in %q", header)
	}
	if end < start {
		return nil, fmt.Errorf("range end before start in %q", header)
	}

	var total int64
	if text := strings.TrimSpace(totalText); text != "*" {
		total, err = strconv.ParseInt(text, 10, 64)
		if err != nil || total < 0 {
			return nil, fmt.Errorf("bad range total in %q", header)
		}
	}

	return &session.ByteRange{Start: start, End: end, Total: total}, nil
}
