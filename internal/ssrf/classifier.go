// Package ssrf classifies observation-source URLs as safe or blocked
// before the composite adapter is allowed to dial them, preventing a
// malicious or compromised source from pivoting an outbound fetch onto
// internal infrastructure.
//
// Classification happens in two stages: a structural check against the
// URL itself (scheme, literal IP, obviously-internal hostnames) and a
// resolved check against the addresses the hostname actually resolves
// to, since a public hostname can still point at a private address
// (DNS rebinding). Verdicts are cached per URL for a short TTL so a
// source hit on every scheduler tick does not re-resolve DNS every time.
// A per-hostname Allowlist bypasses both stages for specific, operator-
// trusted hosts; DisableDNSResolution skips only the resolved stage,
// for deployments that already trust their egress path.
package ssrf

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Verdict is the outcome of classifying a URL.
type Verdict int

const (
	// Allowed means the URL passed both structural and resolved checks.
	Allowed Verdict = iota
	// Blocked means the URL (or one of its resolved addresses) targets
	// a disallowed network.
	Blocked
)

func (v Verdict) String() string {
	if v == Allowed {
		return "allowed"
	}
	return "blocked"
}

// Reason explains why a URL was blocked, or empty for Allowed.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonScheme          Reason = "scheme_not_permitted"
	ReasonLiteralPrivate  Reason = "literal_address_private"
	ReasonHostnameBlocked Reason = "hostname_blocked"
	ReasonResolvedPrivate Reason = "resolved_address_private"
	ReasonResolveFailed   Reason = "resolve_failed"
	ReasonMalformed       Reason = "malformed_url"
)

// Result is a classification outcome, cacheable by URL.
type Result struct {
	Verdict Verdict
	Reason  Reason
}

// Resolver abstracts DNS resolution so tests can substitute a fake one.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Options configures a Classifier.
type Options struct {
	// AllowPrivateNetworks disables the private/loopback/link-local
	// checks entirely. Intended only for local development.
	AllowPrivateNetworks bool

	// Allowlist is a set of hostnames (case-insensitive) that bypass all
	// host classification — structural and resolved — once the URL has
	// passed the scheme check. Unlike AllowPrivateNetworks this is
	// selective: only the listed hostnames are exempt, everything else
	// is still classified normally.
	Allowlist []string

	// DisableDNSResolution skips the resolved-address check entirely;
	// only the structural classification runs. Intended for deployments
	// that already trust their network egress path and want to avoid
	// the DNS round trip.
	DisableDNSResolution bool

	// CacheTTL is how long a verdict is cached per URL. Zero disables
	// caching.
	CacheTTL time.Duration

	// CacheMaxEntries bounds the cache; once exceeded, the cache is
	// cleared outright rather than implementing per-entry eviction,
	// since a classifier cache miss is cheap relative to the fan-in
	// requests it is guarding.
	CacheMaxEntries int

	// Resolver is the DNS resolver used for the resolved check.
	// Defaults to net.DefaultResolver.
	Resolver Resolver
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Classifier evaluates observation-source URLs for SSRF risk.
type Classifier struct {
	opts      Options
	allowlist map[string]struct{}

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Classifier with the given options.
func New(opts Options) *Classifier {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	allowlist := make(map[string]struct{}, len(opts.Allowlist))
	for _, h := range opts.Allowlist {
		allowlist[strings.ToLower(h)] = struct{}{}
	}
	return &Classifier{
		opts:      opts,
		allowlist: allowlist,
		cache:     make(map[string]cacheEntry),
	}
}

// isAllowlisted reports whether host was explicitly exempted from host
// classification at construction.
func (c *Classifier) isAllowlisted(host string) bool {
	_, ok := c.allowlist[strings.ToLower(host)]
	return ok
}

// Classify returns the cached verdict for rawURL if still fresh,
// otherwise performs structural then resolved classification and caches
// the result.
func (c *Classifier) Classify(ctx context.Context, rawURL string) Result {
	if c.opts.CacheTTL > 0 {
		if res, ok := c.cachedResult(rawURL); ok {
			return res
		}
	}

	res := c.classifyUncached(ctx, rawURL)

	if c.opts.CacheTTL > 0 {
		c.store(rawURL, res)
	}
	return res
}

func (c *Classifier) cachedResult(rawURL string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[rawURL]
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (c *Classifier) store(rawURL string, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.CacheMaxEntries > 0 && len(c.cache) >= c.opts.CacheMaxEntries {
		c.cache = make(map[string]cacheEntry)
	}
	c.cache[rawURL] = cacheEntry{result: res, expiresAt: time.Now().Add(c.opts.CacheTTL)}
}

func (c *Classifier) classifyUncached(ctx context.Context, rawURL string) Result {
	host, structRes, ok := c.classifyStructural(rawURL)
	if !ok {
		return structRes
	}
	return c.classifyResolved(ctx, host)
}

// classifyStructural parses the URL, checks its scheme, and rejects
// literal IP-address hosts that fall in a disallowed range. It returns
// the hostname to resolve and ok=true when the resolved check should
// still run (hostname-form URL); ok=false means a final verdict was
// already reached structurally.
func (c *Classifier) classifyStructural(rawURL string) (string, Result, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", Result{Verdict: Blocked, Reason: ReasonMalformed}, false
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", Result{Verdict: Blocked, Reason: ReasonScheme}, false
	}

	host := u.Hostname()

	if c.isAllowlisted(host) {
		return "", Result{Verdict: Allowed}, false
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		if !c.opts.AllowPrivateNetworks {
			return "", Result{Verdict: Blocked, Reason: ReasonHostnameBlocked}, false
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !c.opts.AllowPrivateNetworks && isDisallowedAddr(addr) {
			return "", Result{Verdict: Blocked, Reason: ReasonLiteralPrivate}, false
		}
		return "", Result{Verdict: Allowed}, false
	}

	return host, Result{}, true
}

// classifyResolved resolves host and rejects it if any resolved address
// falls in a disallowed range, guarding against DNS rebinding on an
// otherwise innocuous-looking public hostname.
func (c *Classifier) classifyResolved(ctx context.Context, host string) Result {
	if c.opts.AllowPrivateNetworks || c.opts.DisableDNSResolution {
		return Result{Verdict: Allowed}
	}

	addrs, err := c.opts.Resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return Result{Verdict: Blocked, Reason: ReasonResolveFailed}
	}

	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return Result{Verdict: Blocked, Reason: ReasonResolveFailed}
		}
		if isDisallowedAddr(addr) {
			return Result{Verdict: Blocked, Reason: ReasonResolvedPrivate}
		}
	}
	return Result{Verdict: Allowed}
}

// isDisallowedAddr reports whether addr targets loopback, private,
// link-local, unspecified, or carrier-grade-NAT address space. IPv4
// addresses mapped into IPv6 form are unmapped first so a v4-mapped
// private address is not missed.
func isDisallowedAddr(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	// RFC 6598 carrier-grade NAT range, not covered by netip's own
	// classification methods.
	if addr.Is4() && cgnatRange.Contains(addr) {
		return true
	}
	// Unique local addresses (RFC 4193), IPv6's analogue of RFC 1918.
	if addr.Is6() && !addr.Is4In6() && (addr.As16()[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

var cgnatRange = netip.MustParsePrefix("100.64.0.0/10")
