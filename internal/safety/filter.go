// Package safety rejects and strips markup that could execute when a
// message is rendered in the portal.
package safety

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxLength is the maximum message length in characters.
const DefaultMaxLength = 4000

// maxDecodeRounds bounds how many layers of entity encoding Prepare peels off.
const maxDecodeRounds = 8

var (
	ErrEmpty   = errors.New("content is empty")
	ErrTooLong = errors.New("content is too long")
	ErrUnsafe  = errors.New("content contains unsafe markup")
)

var (
	scriptTag     = regexp.MustCompile(`(?i)<\s*/?\s*script\b`)
	schemeURI     = regexp.MustCompile(`(?i)\b(?:java|vb)script\s*:`)
	eventHandler  = regexp.MustCompile(`(?i)<[^>]*[\s/]on[a-z]+\s*=`)
	dataURI       = regexp.MustCompile(`(?i)\bdata:([a-z0-9.+-]+/[a-z0-9.+-]+)?[;,]`)
	safeImageType = regexp.MustCompile(`(?i)^image/(?:png|jpe?g|gif|webp|bmp|avif)$`)
)

// Filter validates message content on write and sanitizes it on read.
// It is safe for concurrent use.
type Filter struct {
	maxLength int
	strict    *bluemonday.Policy
}

// NewFilter creates a Filter; maxLength <= 0 selects DefaultMaxLength.
func NewFilter(maxLength int) *Filter {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Filter{
		maxLength: maxLength,
		strict:    bluemonday.StrictPolicy(),
	}
}

// MaxLength returns the configured character limit.
func (f *Filter) MaxLength() int {
	return f.maxLength
}

// Prepare validates content and returns the plain-text form to persist.
// Markup that is not dangerous is stripped rather than rejected.
func (f *Filter) Prepare(content string) (string, error) {
	if err := f.Check(content); err != nil {
		return "", err
	}

	// Stripping and unescaping repeat until nothing changes, so markup hidden
	// behind entities is stripped too instead of being decoded into the store.
	plain := content
	for i := 0; ; i++ {
		if i == maxDecodeRounds {
			return "", fmt.Errorf("%w: nested entity encoding", ErrUnsafe)
		}
		next := strings.TrimSpace(html.UnescapeString(f.strict.Sanitize(plain)))
		if next == plain {
			break
		}
		// entity-encoded payloads only show up after unescaping
		if err := f.Check(next); err != nil {
			return "", err
		}
		plain = next
	}
	return plain, nil
}

// Check reports why content can't be stored, or nil.
func (f *Filter) Check(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmpty
	}
	if n := utf8.RuneCountInString(content); n > f.maxLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrTooLong, n, f.maxLength)
	}
	if reason := unsafeReason(content); reason != "" {
		return fmt.Errorf("%w: %s", ErrUnsafe, reason)
	}
	return nil
}

// Sanitize returns content safe to embed in HTML. Stored rows predating the
// write-side filter go through here too.
func (f *Filter) Sanitize(content string) string {
	return strings.TrimSpace(f.strict.Sanitize(content))
}

func unsafeReason(content string) string {
	switch {
	case scriptTag.MatchString(content):
		return "script tag"
	case schemeURI.MatchString(content):
		return "script URI"
	case eventHandler.MatchString(content):
		return "inline event handler"
	}
	for _, m := range dataURI.FindAllStringSubmatch(content, -1) {
		if !safeImageType.MatchString(m[1]) {
			return "non-image data URI"
		}
	}
	return ""
}

// IsRejection reports whether err came from the filter.
func IsRejection(err error) bool {
	return errors.Is(err, ErrEmpty) || errors.Is(err, ErrTooLong) || errors.Is(err, ErrUnsafe)
}
