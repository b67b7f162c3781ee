// Package urlsafety validates URLs before they are ever handed to the
// fetcher or crawler, guarding against SSRF, scheme abuse, and oversized
// inputs. No third-party library in the example pack offers this; it is
// deliberately stdlib-only (net, net/url) — see DESIGN.md.
package urlsafety

import (
	"net"
	"net/url"
	"strings"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
)

const maxURLLength = 2048

// Options configures the allow-listed ports and override knobs a validator
// accepts beyond the hardcoded defaults.
type Options struct {
	// AllowedPorts holds non-default ports the caller explicitly trusts, in
	// addition to 80/443 which are always allowed.
	AllowedPorts map[string]bool
	// AllowPrivateNetworks disables the loopback/link-local/private-range
	// rejection in checkHost. Never set this from request-driven config;
	// it exists so tests can point the fetcher/crawler at an
	// httptest.NewServer without disabling the SSRF guard in production.
	AllowPrivateNetworks bool
}

// Validator enforces the URL-safety rules.
type Validator struct {
	opts Options
}

// New constructs a Validator with the given options.
func New(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Validate parses and checks raw, returning its canonical form or an
// InvalidInput apperr.Error.
func (v *Validator) Validate(raw string) (string, error) {
	if len(raw) > maxURLLength {
		return "", apperr.New(apperr.InvalidInput, "url exceeds maximum length", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", apperr.New(apperr.InvalidInput, "url could not be parsed", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", apperr.New(apperr.InvalidInput, "url scheme must be http or https", nil)
	}
	host := u.Hostname()
	if host == "" {
		return "", apperr.New(apperr.InvalidInput, "url has no host", nil)
	}
	if err := v.checkHost(host); err != nil {
		return "", err
	}
	if err := v.checkPort(u); err != nil {
		return "", err
	}
	// Strip userinfo; it has no business travelling with an ingest request.
	u.User = nil
	return u.String(), nil
}

// ValidateHop re-validates a redirect target the same way as the initial
// URL.
func (v *Validator) ValidateHop(raw string) (string, error) {
	return v.Validate(raw)
}

func (v *Validator) checkHost(host string) error {
	if v.opts.AllowPrivateNetworks {
		return nil
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || lower == "0.0.0.0" {
		return apperr.New(apperr.InvalidInput, "url targets a disallowed host", nil)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname, not a literal IP: resolve it and check every address.
		addrs, err := net.LookupIP(host)
		if err != nil {
			return apperr.New(apperr.InvalidInput, "url host could not be resolved", err)
		}
		for _, a := range addrs {
			if isPrivateOrReserved(a) {
				return apperr.New(apperr.InvalidInput, "url resolves to a disallowed address", nil)
			}
		}
		return nil
	}
	if isPrivateOrReserved(ip) {
		return apperr.New(apperr.InvalidInput, "url targets a disallowed address", nil)
	}
	return nil
}

func isPrivateOrReserved(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		ip.IsPrivate()
}

func (v *Validator) checkPort(u *url.URL) error {
	port := u.Port()
	if port == "" || port == "80" || port == "443" {
		return nil
	}
	if v.opts.AllowedPorts != nil && v.opts.AllowedPorts[port] {
		return nil
	}
	if v.opts.AllowPrivateNetworks {
		// Fixture servers bind arbitrary high ports; the private-network
		// override implies the port allow-list too.
		return nil
	}
	return apperr.New(apperr.InvalidInput, "url uses a disallowed port", nil)
}
