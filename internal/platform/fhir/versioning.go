package fhir

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// WeakETag is a concurrency token carrying a resource version, W/"<version>".
type WeakETag struct {
	version string
}

// NewWeakETag creates a token for the given version id.
func NewWeakETag(version string) *WeakETag {
	return &WeakETag{version: version}
}

// VersionID returns the version the token refers to.
func (e *WeakETag) VersionID() string {
	if e == nil {
		return ""
	}
	return e.version
}

func (e *WeakETag) String() string {
	return FormatETag(e.VersionID())
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (*WeakETag, error) {
	etag = strings.TrimSpace(etag)
	// Remove weak indicator
	etag = strings.TrimPrefix(etag, "W/")
	// Remove quotes
	etag = strings.Trim(etag, `"`)

	if etag == "" || strings.ContainsAny(etag, `" `) {
		return nil, fmt.Errorf("ETag must contain a version: %q", etag)
	}
	return &WeakETag{version: etag}, nil
}

// FormatETag creates a weak ETag from a version id.
func FormatETag(version string) string {
	return fmt.Sprintf(`W/"%s"`, version)
}

// IfMatch reads the If-Match header. It returns nil when the header is absent
// (unconditional write) and a 400 error when it cannot be parsed.
func IfMatch(c echo.Context) (*WeakETag, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return nil, nil
	}
	etag, err := ParseETag(ifMatch)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return etag, nil
}

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, version string, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// CheckIfNoneMatch checks If-None-Match for conditional reads.
// Returns true if the client's version matches (304 Not Modified should be returned).
func CheckIfNoneMatch(c echo.Context, currentVersion string) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	etag, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return etag.VersionID() == currentVersion
}
