// Package policy decides which hosts outbound traffic may reach.
//
// The live allow-list is an immutable DomainSet published through an atomic
// pointer. Reload builds a complete new set and swaps it in, so readers see
// either the old or the new set and never a partial one.
package policy

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/raaihank/egress-sentinel/internal/logger"
	"go.uber.org/zap"
)

//go:embed default_whitelist.txt
var defaultWhitelist []byte

// DomainSet is an immutable set of lowercase domains
type DomainSet struct {
	domains map[string]struct{}
}

// NewDomainSet builds a set from the given domains, lowercasing each
func NewDomainSet(domains ...string) *DomainSet {
	set := &DomainSet{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			set.domains[d] = struct{}{}
		}
	}
	return set
}

// Contains reports exact membership
func (s *DomainSet) Contains(domain string) bool {
	_, ok := s.domains[domain]
	return ok
}

// Len returns the number of domains in the set
func (s *DomainSet) Len() int {
	return len(s.domains)
}

// LoadDomains reads a newline-delimited domain file. Blank lines and lines
// starting with # are skipped. A missing file yields an empty set, which
// denies everything.
func LoadDomains(path string) (*DomainSet, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDomainSet(), nil
		}
		return nil, fmt.Errorf("failed to open allow-list: %w", err)
	}
	defer f.Close()

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read allow-list: %w", err)
	}

	return NewDomainSet(domains...), nil
}

// IsAllowed reports whether host or any dot-suffix ancestor of it is in the
// set. github.com allows api.github.com but not notgithub.com.
func IsAllowed(host string, set *DomainSet) bool {
	if set == nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if set.Contains(host) {
		return true
	}

	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
		if set.Contains(host) {
			return true
		}
	}
}

// Policy holds the live allow-list for one allow-list file
type Policy struct {
	path    string
	current atomic.Pointer[DomainSet]
	logger  *logger.Logger
}

// New loads the allow-list at path. Missing or unreadable files leave the
// policy denying everything and are logged as warnings.
func New(path string, log *logger.Logger) *Policy {
	p := &Policy{path: path, logger: log}
	p.current.Store(NewDomainSet())
	if _, err := p.Reload(); err != nil {
		log.Warn("Allow-list unreadable, denying all traffic", zap.String("path", path), zap.Error(err))
	}
	return p
}

// Path returns the backing allow-list file
func (p *Policy) Path() string {
	return p.path
}

// Current returns the published domain set
func (p *Policy) Current() *DomainSet {
	return p.current.Load()
}

// IsAllowed checks host against the published domain set
func (p *Policy) IsAllowed(host string) bool {
	return IsAllowed(host, p.current.Load())
}

// Reload re-reads the backing file and swaps in the new set. On read error
// the previous set stays published. Returns the new domain count.
func (p *Policy) Reload() (int, error) {
	set, err := LoadDomains(p.path)
	if err != nil {
		return p.current.Load().Len(), err
	}

	if set.Len() == 0 {
		if _, statErr := os.Stat(p.path); errors.Is(statErr, os.ErrNotExist) {
			p.logger.Warn("Allow-list not found, denying all traffic", zap.String("path", p.path))
		}
	}

	p.current.Store(set)
	p.logger.Info("Allow-list loaded", zap.String("path", p.path), zap.Int("domains", set.Len()))
	return set.Len(), nil
}

// CreateDefault writes the default allow-list to configDir unless one
// already exists, and returns its path.
func CreateDefault(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	path := filepath.Join(configDir, "trusted_domains.txt")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, defaultWhitelist, 0o644); err != nil {
		return "", fmt.Errorf("failed to write default allow-list: %w", err)
	}
	return path, nil
}
