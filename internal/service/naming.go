package service

import (
	"crypto/md5" //nolint:gosec
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	codePrefix      = "FILE-"
	maxBaseNameLen  = 80
	defaultBaseName = "file"
)

var (
	codePattern      = regexp.MustCompile(`^FILE-[A-F0-9]{8}$`)
	unsafeNameChars  = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	repeatedHyphens  = regexp.MustCompile(`-{2,}`)
	unsafeExtensions = regexp.MustCompile(`[^a-z0-9]+`)
)

// Fingerprint returns the hex md5 of the content.
func Fingerprint(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// GenerateCode returns a fresh FILE-XXXXXXXX code.
func GenerateCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate file code: %w", err)
	}
	return codePrefix + strings.ToUpper(hex.EncodeToString(buf)), nil
}

// ValidCode reports whether code has the FILE-XXXXXXXX shape.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// SanitizeBaseName strips the extension and keeps a filesystem-safe slug of the original name.
func SanitizeBaseName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = unsafeNameChars.ReplaceAllString(base, "-")
	base = repeatedHyphens.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-_")
	if len(base) > maxBaseNameLen {
		base = strings.TrimRight(base[:maxBaseNameLen], "-_")
	}
	if base == "" {
		return defaultBaseName
	}
	return base
}

// Extension returns the lower-cased extension of name including the dot, or "".
func Extension(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	ext = unsafeExtensions.ReplaceAllString(ext, "")
	if ext == "" {
		return ""
	}
	return "." + ext
}

// BuildFileName returns the on-disk name {base}-{code}{ext}.
func BuildFileName(original, code string) string {
	return SanitizeBaseName(original) + "-" + code + Extension(original)
}
