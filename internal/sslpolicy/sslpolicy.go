// Package sslpolicy decides whether a given endpoint URL should bypass TLS
// verification. It is a pure decision function over a mutable bypass set and
// pattern list, mirroring the teacher's small single-purpose lesson packages:
// one concern, one file, a handful of exported operations.
package sslpolicy

import (
	"fmt"
	"regexp"
	"sync"
)

// Policy holds the explicit bypass set and compiled pattern list an endpoint
// URL is checked against. The zero value is not usable; use New.
type Policy struct {
	mu       sync.RWMutex
	bypass   map[string]struct{}
	patterns []*regexp.Regexp
}

// New returns an empty Policy: nothing bypasses TLS verification until
// AddBypassEndpoint or AddBypassPattern is called.
func New() *Policy {
	return &Policy{bypass: make(map[string]struct{})}
}

// ShouldBypass reports whether url is in the explicit bypass set or matches
// any compiled pattern.
func (p *Policy) ShouldBypass(url string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.bypass[url]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// AddBypassEndpoint permanently adds url to the bypass set. Idempotent:
// adding the same URL twice has the same effect as adding it once.
func (p *Policy) AddBypassEndpoint(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bypass[url] = struct{}{}
}

// AddBypassPattern compiles pattern and appends it to the pattern list. An
// invalid regex is rejected and the pattern list is left unchanged.
func (p *Policy) AddBypassPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("sslpolicy: invalid bypass pattern %q: %w", pattern, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = append(p.patterns, re)
	return nil
}

// BypassEndpoints returns a snapshot of the explicit bypass set.
func (p *Policy) BypassEndpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.bypass))
	for url := range p.bypass {
		out = append(out, url)
	}
	return out
}
