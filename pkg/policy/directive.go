// Package policy assigns Cache-Control directives to responses by request path.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Directive is a parsed Cache-Control header value.
// Both response and request directives are represented; fields that only
// make sense on one side are ignored on the other.
type Directive struct {
	// MaxAge is the freshness lifetime (max-age).
	MaxAge *time.Duration

	// SharedMaxAge overrides MaxAge for shared caches (s-maxage).
	SharedMaxAge *time.Duration

	// StaleWhileRevalidate and StaleIfError are passed through to clients.
	StaleWhileRevalidate *time.Duration
	StaleIfError         *time.Duration

	// MaxStale and MinFresh are request directives.
	MaxStale *time.Duration
	MinFresh *time.Duration

	Public          bool
	Private         bool
	NoStore         bool
	NoCache         bool
	MustRevalidate  bool
	ProxyRevalidate bool
	NoTransform     bool
	Immutable       bool
	OnlyIfCached    bool
}

// Seconds returns a pointer to a duration of n seconds.
// It is a helper for building directives in code.
func Seconds(n int) *time.Duration {
	d := time.Duration(n) * time.Second
	return &d
}

// ParseDirective parses a Cache-Control header value.
// Unknown directives are ignored. Directive names are case-insensitive.
func ParseDirective(value string) (Directive, error) {
	var d Directive
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, arg, hasArg := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		arg = strings.Trim(strings.TrimSpace(arg), `"`)

		switch name {
		case "max-age":
			secs, err := parseSeconds(name, arg, hasArg)
			if err != nil {
				return Directive{}, err
			}
			d.MaxAge = secs
		case "s-maxage":
			secs, err := parseSeconds(name, arg, hasArg)
			if err != nil {
				return Directive{}, err
			}
			d.SharedMaxAge = secs
		case "stale-while-revalidate":
			secs, err := parseSeconds(name, arg, hasArg)
			if err != nil {
				return Directive{}, err
			}
			d.StaleWhileRevalidate = secs
		case "stale-if-error":
			secs, err := parseSeconds(name, arg, hasArg)
			if err != nil {
				return Directive{}, err
			}
			d.StaleIfError = secs
		case "max-stale":
			// max-stale without a value accepts any staleness
			if !hasArg {
				d.MaxStale = Seconds(1 << 30)
				continue
			}
			secs, err := parseSeconds(name, arg, hasArg)
			if err != nil {
				return Directive{}, err
			}
			d.MaxStale = secs
		case "min-fresh":
			secs, err := parseSeconds(name, arg, hasArg)
			if err != nil {
				return Directive{}, err
			}
			d.MinFresh = secs
		case "public":
			d.Public = true
		case "private":
			d.Private = true
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "must-revalidate":
			d.MustRevalidate = true
		case "proxy-revalidate":
			d.ProxyRevalidate = true
		case "no-transform":
			d.NoTransform = true
		case "immutable":
			d.Immutable = true
		case "only-if-cached":
			d.OnlyIfCached = true
		}
	}

	if d.Public && d.Private {
		return Directive{}, fmt.Errorf("%w: public and private are mutually exclusive", ErrInvalidDirective)
	}
	return d, nil
}

// MustParseDirective is like ParseDirective but panics on error.
func MustParseDirective(value string) Directive {
	d, err := ParseDirective(value)
	if err != nil {
		panic(err)
	}
	return d
}

func parseSeconds(name, arg string, hasArg bool) (*time.Duration, error) {
	if !hasArg || arg == "" {
		return nil, fmt.Errorf("%w: %s requires a value", ErrInvalidDirective, name)
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %s=%q is not a non-negative integer", ErrInvalidDirective, name, arg)
	}
	return Seconds(n), nil
}

// String renders the directive as a canonical Cache-Control header value.
func (d Directive) String() string {
	parts := make([]string, 0, 8)
	if d.NoStore {
		parts = append(parts, "no-store")
	}
	if d.NoCache {
		parts = append(parts, "no-cache")
	}
	if d.MaxAge != nil {
		parts = append(parts, fmt.Sprintf("max-age=%d", int64(d.MaxAge.Seconds())))
	}
	if d.SharedMaxAge != nil {
		parts = append(parts, fmt.Sprintf("s-maxage=%d", int64(d.SharedMaxAge.Seconds())))
	}
	if d.Public {
		parts = append(parts, "public")
	}
	if d.Private {
		parts = append(parts, "private")
	}
	if d.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if d.ProxyRevalidate {
		parts = append(parts, "proxy-revalidate")
	}
	if d.NoTransform {
		parts = append(parts, "no-transform")
	}
	if d.Immutable {
		parts = append(parts, "immutable")
	}
	if d.StaleWhileRevalidate != nil {
		parts = append(parts, fmt.Sprintf("stale-while-revalidate=%d", int64(d.StaleWhileRevalidate.Seconds())))
	}
	if d.StaleIfError != nil {
		parts = append(parts, fmt.Sprintf("stale-if-error=%d", int64(d.StaleIfError.Seconds())))
	}
	if d.MaxStale != nil {
		parts = append(parts, fmt.Sprintf("max-stale=%d", int64(d.MaxStale.Seconds())))
	}
	if d.MinFresh != nil {
		parts = append(parts, fmt.Sprintf("min-fresh=%d", int64(d.MinFresh.Seconds())))
	}
	if d.OnlyIfCached {
		parts = append(parts, "only-if-cached")
	}
	return strings.Join(parts, ", ")
}

// Lifetime returns the freshness lifetime for a shared cache.
// s-maxage takes precedence over max-age.
func (d Directive) Lifetime() (time.Duration, bool) {
	if d.SharedMaxAge != nil {
		return *d.SharedMaxAge, true
	}
	if d.MaxAge != nil {
		return *d.MaxAge, true
	}
	return 0, false
}

// Storable reports whether a response carrying this directive may be stored.
// no-cache responses are not stored because every reuse would need a
// revalidation round trip to the application.
func (d Directive) Storable() bool {
	if d.NoStore || d.NoCache {
		return false
	}
	lifetime, ok := d.Lifetime()
	return ok && lifetime > 0
}

// IsZero reports whether no directive is set.
func (d Directive) IsZero() bool {
	return d.String() == ""
}
