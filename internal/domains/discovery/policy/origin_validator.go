package policy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type OriginReason string

const (
	OriginAllowed         OriginReason = "allowed"
	OriginAllowlisted     OriginReason = "allowlisted"
	OriginLocalhost       OriginReason = "localhost"
	OriginPatternAllowed  OriginReason = "pattern_allowed"
	OriginCustomAllowed   OriginReason = "custom_allowed"
	OriginMalformed       OriginReason = "malformed"
	OriginBlocklisted     OriginReason = "blocklisted"
	OriginPatternBlocked  OriginReason = "pattern_blocked"
	OriginNotAllowlisted  OriginReason = "not_allowlisted"
	OriginInsecureScheme  OriginReason = "insecure_scheme"
	OriginHomograph       OriginReason = "homograph"
	OriginCustomRejected  OriginReason = "custom_rejected"
	OriginValidatorFailed OriginReason = "custom_error"
)

// CustomOriginValidator is consulted after every built-in check passed.
type CustomOriginValidator func(ctx context.Context, origin string) (bool, error)

type OriginPolicy struct {
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	BlockedOrigins  []string      `yaml:"blockedOrigins"`
	AllowedPatterns []string      `yaml:"allowedPatterns"`
	BlockedPatterns []string      `yaml:"blockedPatterns"`
	AllowLocalhost  bool          `yaml:"allowLocalhost"`
	RequireHTTPS    bool          `yaml:"requireHttps"`
	KnownDomains    []string      `yaml:"knownDomains"`
	CacheSize       int           `yaml:"cacheSize"`
	CacheTTL        time.Duration `yaml:"cacheTTL"`

	Custom CustomOriginValidator `yaml:"-"`
}

type OriginDecision struct {
	Allowed bool
	Reason  OriginReason
	Origin  string
}

func DefaultOriginPolicy() OriginPolicy {
	return OriginPolicy{
		AllowLocalhost: false,
		RequireHTTPS:   true,
		CacheSize:      1000,
		CacheTTL:       5 * time.Minute,
	}
}

type OriginValidator struct {
	mu              sync.RWMutex
	policy          OriginPolicy
	allowed         map[string]struct{}
	blocked         map[string]struct{}
	allowedPatterns []*regexp.Regexp
	blockedPatterns []*regexp.Regexp
	cache           *expirable.LRU[string, OriginDecision]
}

func NewOriginValidator(policy OriginPolicy) (*OriginValidator, error) {
	v := &OriginValidator{}
	if err := v.Configure(policy); err != nil {
		return nil, err
	}
	return v, nil
}

// Configure swaps the policy atomically and drops every cached decision.
func (v *OriginValidator) Configure(policy OriginPolicy) error {
	def := DefaultOriginPolicy()
	if policy.CacheSize <= 0 {
		policy.CacheSize = def.CacheSize
	}
	if policy.CacheTTL <= 0 {
		policy.CacheTTL = def.CacheTTL
	}
	allowedPatterns, err := compilePatterns(policy.AllowedPatterns)
	if err != nil {
		return err
	}
	blockedPatterns, err := compilePatterns(policy.BlockedPatterns)
	if err != nil {
		return err
	}

	allowed := make(map[string]struct{}, len(policy.AllowedOrigins))
	for _, raw := range policy.AllowedOrigins {
		if origin, _, err := normalizeOrigin(raw); err == nil {
			allowed[origin] = struct{}{}
		}
	}
	blocked := make(map[string]struct{}, len(policy.BlockedOrigins))
	for _, raw := range policy.BlockedOrigins {
		if origin, _, err := normalizeOrigin(raw); err == nil {
			blocked[origin] = struct{}{}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.policy = policy
	v.allowed = allowed
	v.blocked = blocked
	v.allowedPatterns = allowedPatterns
	v.blockedPatterns = blockedPatterns
	v.cache = expirable.NewLRU[string, OriginDecision](policy.CacheSize, nil, policy.CacheTTL)
	return nil
}

func (v *OriginValidator) Validate(ctx context.Context, origin string) bool {
	return v.Evaluate(ctx, origin).Allowed
}

func (v *OriginValidator) Evaluate(ctx context.Context, origin string) OriginDecision {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()
	if decision, ok := cache.Get(origin); ok {
		return decision
	}

	decision, cacheable := v.evaluate(ctx, origin)
	decision.Origin = strings.TrimSpace(origin)
	if normalized, _, err := normalizeOrigin(origin); err == nil {
		decision.Origin = normalized
	}
	if cacheable {
		cache.Add(origin, decision)
	}
	return decision
}

func (v *OriginValidator) Purge() {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()
	cache.Purge()
}

func (v *OriginValidator) CacheLen() int {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()
	return cache.Len()
}

func (v *OriginValidator) evaluate(ctx context.Context, raw string) (OriginDecision, bool) {
	origin, parsed, err := normalizeOrigin(raw)
	if err != nil {
		return OriginDecision{Reason: OriginMalformed}, true
	}

	v.mu.RLock()
	policy := v.policy
	_, isBlocked := v.blocked[origin]
	_, isAllowed := v.allowed[origin]
	allowedPatterns := v.allowedPatterns
	blockedPatterns := v.blockedPatterns
	allowlistMode := len(v.allowed) > 0 || len(v.allowedPatterns) > 0
	v.mu.RUnlock()

	host := parsed.Hostname()
	if isBlocked {
		return OriginDecision{Reason: OriginBlocklisted}, true
	}
	if isAllowed {
		return OriginDecision{Allowed: true, Reason: OriginAllowlisted}, true
	}
	if policy.AllowLocalhost && isLocalhost(host) {
		return OriginDecision{Allowed: true, Reason: OriginLocalhost}, true
	}
	for _, re := range blockedPatterns {
		if re.MatchString(origin) {
			return OriginDecision{Reason: OriginPatternBlocked}, true
		}
	}
	matchedAllowPattern := false
	for _, re := range allowedPatterns {
		if re.MatchString(origin) {
			matchedAllowPattern = true
			break
		}
	}
	if allowlistMode && !matchedAllowPattern {
		return OriginDecision{Reason: OriginNotAllowlisted}, true
	}
	if policy.RequireHTTPS && parsed.Scheme != "https" {
		return OriginDecision{Reason: OriginInsecureScheme}, true
	}
	for _, known := range policy.KnownDomains {
		if confusableWith(host, known) {
			return OriginDecision{Reason: OriginHomograph}, true
		}
	}
	if matchedAllowPattern {
		return OriginDecision{Allowed: true, Reason: OriginPatternAllowed}, true
	}
	if policy.Custom != nil {
		ok, err := policy.Custom(ctx, origin)
		if err != nil {
			return OriginDecision{Reason: OriginValidatorFailed}, false
		}
		// A verdict reached after cancellation is not remembered.
		settled := ctx.Err() == nil
		if !ok {
			return OriginDecision{Reason: OriginCustomRejected}, settled
		}
		return OriginDecision{Allowed: true, Reason: OriginCustomAllowed}, settled
	}
	return OriginDecision{Allowed: true, Reason: OriginAllowed}, true
}

// normalizeOrigin accepts scheme://host[:port] with nothing else attached.
func normalizeOrigin(raw string) (string, *url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 2048 {
		return "", nil, fmt.Errorf("origin is empty or too long")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" || parsed.Opaque != "" {
		return "", nil, fmt.Errorf("origin %q lacks scheme or host", raw)
	}
	if parsed.User != nil || parsed.RawQuery != "" || parsed.Fragment != "" || (parsed.Path != "" && parsed.Path != "/") {
		return "", nil, fmt.Errorf("origin %q carries more than scheme and host", raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.ContainsAny(host, " \t\r\n") {
		return "", nil, fmt.Errorf("origin %q has an invalid host", raw)
	}
	port := parsed.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]"
	}
	if port != "" {
		hostport = net.JoinHostPort(host, port)
	}
	normalized := scheme + "://" + hostport
	out, err := url.Parse(normalized)
	if err != nil {
		return "", nil, err
	}
	return normalized, out, nil
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", raw, err)
		}
		out = append(out, re)
	}
	return out, nil
}
