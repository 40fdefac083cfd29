// Package servicedb keeps the local copy of the authority's services
// definition. A copy already on disk is trusted for the whole run; only a
// missing copy triggers a download.
package servicedb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/scope"
)

// Source downloads the services definition.
type Source interface {
	GetServicesFile(ctx context.Context) (*scope.ServicesDefinition, error)
}

// Definition identifies the services file the engine should use.
type Definition struct {
	Path   string
	SHA256 string
	// Fetched is true when the file was downloaded during this call.
	Fetched bool
}

// Cache manages the services file at a fixed path.
type Cache struct {
	path   string
	server string
	source Source
	logger *logging.Logger
}

// NewCache creates a cache for the file at path. server names the authority in error messages.
func NewCache(path, server string, source Source, logger *logging.Logger) *Cache {
	return &Cache{
		path:   path,
		server: server,
		source: source,
		logger: logger.WithComponent("servicedb"),
	}
}

// Ensure returns the local services definition, downloading and persisting
// it first when no local copy exists.
func (c *Cache) Ensure(ctx context.Context) (Definition, error) {
	data, err := os.ReadFile(c.path)
	if err == nil {
		hash := scope.HashServices(string(data))
		c.logger.Info("Using cached services definition", "path", c.path, "sha256", hash)
		return Definition{Path: c.path, SHA256: hash}, nil
	}
	if !os.IsNotExist(err) {
		return Definition{}, errors.ErrServicesUnavailable(c.server,
			fmt.Errorf("failed to read %s: %w", c.path, err))
	}

	def, err := c.source.GetServicesFile(ctx)
	if err != nil {
		return Definition{}, errors.ErrServicesUnavailable(c.server, err)
	}

	if err := writeAtomic(c.path, []byte(def.Content)); err != nil {
		return Definition{}, errors.ErrServicesUnavailable(c.server, err)
	}

	c.logger.Info("Stored services definition", "path", c.path, "sha256", def.SHA256)
	return Definition{Path: c.path, SHA256: def.SHA256, Fetched: true}, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".services-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write services file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write services file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store services file: %w", err)
	}
	return nil
}
