package proxy

import (
	"crypto/tls"
	"sync"

	"golang.org/x/sync/singleflight"
)

// certStore caches leaf certificates signed by the interception CA, one per
// intercepted hostname, for the life of the process. Signing runs outside
// the lock and concurrent handshakes for the same host share one signature.
type certStore struct {
	mu      sync.RWMutex
	certs   map[string]*tls.Certificate
	pending singleflight.Group
}

func newCertStore() *certStore {
	return &certStore{certs: make(map[string]*tls.Certificate)}
}

// Fetch implements goproxy.CertStorage
func (c *certStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	if cert, ok := c.get(hostname); ok {
		return cert, nil
	}

	v, err, _ := c.pending.Do(hostname, func() (any, error) {
		if cert, ok := c.get(hostname); ok {
			return cert, nil
		}
		cert, err := gen()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.certs[hostname] = cert
		c.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (c *certStore) get(hostname string) (*tls.Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cert, ok := c.certs[hostname]
	return cert, ok
}

func (c *certStore) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.certs)
}
