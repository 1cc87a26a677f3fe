// Package kbpath validates and normalizes hierarchical addresses.
//
// A path is a dot-separated sequence of labels, e.g. "svc.worker1". Each
// label is 1..256 characters, starts with a letter or underscore, and
// continues with letters, digits, or underscores. This is the ltree label
// alphabet, so every valid path can be stored in an LTREE column as is.
package kbpath

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/kbq/internal/txn"
)

// MaxLabelLen is the longest label ltree accepts.
const MaxLabelLen = 256

// Separator joins labels.
const Separator = "."

// Normalize trims surrounding whitespace and applies Unicode NFKC, which
// folds compatibility forms (full-width letters and digits) to ASCII.
// It does not validate.
func Normalize(path string) string {
	return norm.NFKC.String(strings.TrimSpace(path))
}

// Validate checks path without modifying it.
func Validate(path string) error {
	if path == "" {
		return txn.Invalid("path", path, "path is empty")
	}
	for i, label := range strings.Split(path, Separator) {
		if err := validateLabel(label); err != nil {
			return txn.Invalid("path", path, "label %d: %s", i+1, err.Error())
		}
	}
	return nil
}

// Clean normalizes path and validates the result, returning the
// normalized form.
func Clean(path string) (string, error) {
	p := Normalize(path)
	if err := Validate(p); err != nil {
		return "", err
	}
	return p, nil
}

// ValidateLabel checks a single label.
func ValidateLabel(label string) error {
	if err := validateLabel(label); err != nil {
		return txn.Invalid("label", label, "%s", err.Error())
	}
	return nil
}

type labelError string

func (e labelError) Error() string { return string(e) }

func validateLabel(label string) error {
	if label == "" {
		return labelError("empty label")
	}
	if len(label) > MaxLabelLen {
		return labelError("label longer than 256 characters")
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c == '_', isLetter(c):
		case isDigit(c) && i > 0:
		case isDigit(c):
			return labelError("label must start with a letter or underscore")
		default:
			return labelError("label may only contain letters, digits, and underscores")
		}
	}
	return nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Join appends label to parent. An empty parent yields the label alone.
func Join(parent, label string) string {
	if parent == "" {
		return label
	}
	return parent + Separator + label
}

// Parent returns the path without its last label, or "" for a single label.
func Parent(path string) string {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// Labels splits a path into its labels.
func Labels(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// HasPrefix reports whether path equals prefix or lies beneath it.
func HasPrefix(path, prefix string) bool {
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+Separator)
}
