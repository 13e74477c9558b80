package s3

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// CompletedPart is one uploaded multipart part.
type CompletedPart struct {
	PartNumber int32  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

var ErrInvalidParts = errors.New("s3: invalid multipart part list")

// TrimETag removes the quoting providers put around ETag header values.
func TrimETag(etag string) string {
	return strings.ReplaceAll(strings.TrimSpace(etag), `"`, "")
}

// NormalizeParts returns parts sorted by part number and verifies they form
// the gap-free sequence 1..N with non-empty ETags.
func NormalizeParts(parts []CompletedPart) ([]CompletedPart, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrInvalidParts)
	}
	out := slices.Clone(parts)
	slices.SortFunc(out, func(a, b CompletedPart) int { return int(a.PartNumber - b.PartNumber) })
	for i, p := range out {
		if want := int32(i + 1); p.PartNumber != want {
			return nil, fmt.Errorf("%w: expected part %d, found %d", ErrInvalidParts, want, p.PartNumber)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, fmt.Errorf("%w: part %d has no ETag", ErrInvalidParts, p.PartNumber)
		}
	}
	return out, nil
}
