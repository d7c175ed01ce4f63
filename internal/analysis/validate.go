package analysis

import (
	"fmt"
	"strings"
)

const (
	MaxPages    = 10
	MaxPageSize = 20 << 20
)

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
}

// Validate checks a submission's pages. The first violation wins.
func Validate(pages []PageFile) error {
	if len(pages) == 0 {
		return ErrFilesMissing
	}
	if len(pages) > MaxPages {
		return fmt.Errorf("%d pages, at most %d: %w", len(pages), MaxPages, ErrTooManyFiles)
	}
	for i, p := range pages {
		index := i + 1
		size := p.Size
		if n := int64(len(p.Data)); n > size {
			size = n
		}
		if size > MaxPageSize {
			return &FileTooLargeError{Index: index, Size: size}
		}
		if _, ok := allowedContentTypes[mediaType(p.ContentType)]; !ok {
			return &UnsupportedTypeError{Index: index, ContentType: p.ContentType}
		}
		if len(p.Data) == 0 {
			return fmt.Errorf("page %d is empty: %w", index, ErrFilesMissing)
		}
	}
	return nil
}

// mediaType lower-cases a content type and drops its parameters.
func mediaType(contentType string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
