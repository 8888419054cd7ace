package manager

import (
	"context"
	"sync"

	"github.com/ecoflow-go-sdk/pkg/api"
	"github.com/ecoflow-go-sdk/pkg/config"
)

type CertificateSource func(ctx context.Context, cfg *config.DeviceConfig) *api.CertificateData

// CertificateCache keeps the broker login of every connection key for the
// life of the process. Failed acquisitions are not cached.
type CertificateCache struct {
	source CertificateSource
	certs  map[config.ConnectionKey]*api.CertificateData
	mutex  sync.Mutex
}

func NewCertificateCache(source CertificateSource) *CertificateCache {
	return &CertificateCache{
		source: source,
		certs:  make(map[config.ConnectionKey]*api.CertificateData),
	}
}

// Get returns the cached certificate of cfg's connection key or acquires
// one. It returns nil when acquisition failed.
func (c *CertificateCache) Get(ctx context.Context, cfg *config.DeviceConfig) *api.CertificateData {
	key := cfg.ConnectionKey()

	c.mutex.Lock()
	cert, ok := c.certs[key]
	c.mutex.Unlock()
	if ok {
		return cert
	}

	cert = c.source(ctx, cfg)
	if cert == nil {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if cached, ok := c.certs[key]; ok {
		return cached
	}
	c.certs[key] = cert
	return cert
}

func (c *CertificateCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.certs)
}
