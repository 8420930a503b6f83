// Package trust decides which client certificates the agent trusts.
//
// A certificate is trusted when it chains to the configured CA bundle for
// client authentication, or when it is byte-for-byte equal to one of the
// PEM files in the pinned directory. Pinned files are written when a client
// authenticates with the local password and removed when it
// unauthenticates.
package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

const (
	// maxPinnedSize bounds the size of a pinned certificate file.
	maxPinnedSize = 10 * 1024
	pinnedPrefix  = "client_cert_"
	reloadDelay   = 500 * time.Millisecond
)

// Config configures a Store.
type Config struct {
	CABundle  string
	PinnedDir string
	Logger    *telemetry.Logger
}

// Store is the certificate trust store. It is safe for concurrent use.
type Store struct {
	caFile string
	dir    string
	log    *telemetry.Logger

	mu     sync.RWMutex
	pool   *x509.CertPool
	pinned map[string][]byte

	// writeMu serializes Pin and Unpin.
	writeMu sync.Mutex
}

// New creates the store and loads the CA bundle and pinned directory. The
// pinned directory is created if missing.
func New(cfg Config) (*Store, error) {
	if cfg.PinnedDir == "" {
		return nil, fmt.Errorf("pinned certificate directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	if cfg.CABundle != "" {
		cfg.CABundle = filepath.Clean(cfg.CABundle)
	}
	if err := os.MkdirAll(cfg.PinnedDir, 0o700); err != nil {
		return nil, fmt.Errorf("create pinned directory: %w", err)
	}

	s := &Store{
		caFile: cfg.CABundle,
		dir:    filepath.Clean(cfg.PinnedDir),
		log:    cfg.Logger.NewComponentLogger("trust"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the CA bundle and every pinned file.
func (s *Store) Reload() error {
	pool := s.loadCAs()
	pinned, err := s.loadPinned()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pool = pool
	s.pinned = pinned
	s.mu.Unlock()

	s.log.WithField("pinned", len(pinned)).Debug("trust store loaded")
	return nil
}

func (s *Store) loadCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	if s.caFile == "" {
		return pool
	}
	data, err := os.ReadFile(s.caFile)
	if err != nil {
		s.log.WithError(err).WithField("file", s.caFile).Warn("CA bundle unavailable, no CA-signed clients will be trusted")
		return pool
	}
	if !pool.AppendCertsFromPEM(data) {
		s.log.WithField("file", s.caFile).Warn("CA bundle contains no certificates")
	}
	return pool
}

func (s *Store) loadPinned() (map[string][]byte, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read pinned directory: %w", err)
	}

	pinned := make(map[string][]byte, len(entries))
	for _, e := range entries {
		path := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() == 0 || info.Size() >= maxPinnedSize {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.WithError(err).WithField("file", path).Warn("skipping unreadable pinned certificate")
			continue
		}
		if _, err := parsePEM(data); err != nil {
			s.log.WithField("file", path).Debug("skipping invalid pinned certificate")
			continue
		}
		pinned[path] = data
	}
	return pinned, nil
}

// IsTrusted reports whether cert is trusted.
func (s *Store) IsTrusted(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}

	s.mu.RLock()
	pool, pinned := s.pool, s.pinned
	s.mu.RUnlock()

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err == nil {
		return true
	}

	encoded := EncodePEM(cert)
	for _, data := range pinned {
		if bytes.Equal(data, encoded) {
			return true
		}
	}
	return false
}

// Pin stores cert in the pinned directory under a new random name.
func (s *Store) Pin(cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("no certificate to pin")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	f, err := os.CreateTemp(s.dir, pinnedPrefix)
	if err != nil {
		return fmt.Errorf("create pinned certificate: %w", err)
	}
	if _, err := f.Write(EncodePEM(cert)); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("write pinned certificate: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("sync pinned certificate: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("close pinned certificate: %w", err)
	}

	s.log.WithField("file", f.Name()).WithField("subject", cert.Subject.String()).Info("client certificate pinned")
	return s.Reload()
}

// Unpin removes every pinned file holding cert.
func (s *Store) Unpin(cert *x509.Certificate) error {
	if cert == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	encoded := EncodePEM(cert)
	s.mu.RLock()
	var matches []string
	for path, data := range s.pinned {
		if bytes.Equal(data, encoded) {
			matches = append(matches, path)
		}
	}
	s.mu.RUnlock()

	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove pinned certificate: %w", err)
		}
		s.log.WithField("file", path).Info("client certificate unpinned")
	}
	return s.Reload()
}

// Pinned returns the number of pinned certificates.
func (s *Store) Pinned() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pinned)
}

// Watch reloads the store when files in the pinned directory or the CA
// bundle change, until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	if s.caFile != "" {
		if err := watcher.Add(filepath.Dir(s.caFile)); err != nil {
			s.log.WithError(err).Warn("not watching CA bundle")
		}
	}

	go s.processEvents(ctx, watcher)
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Dir(event.Name) != s.dir && event.Name != s.caFile {
				continue
			}
			s.log.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("trust file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Reload(); err != nil {
					s.log.WithError(err).Error("failed to reload trust store")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Error("watcher error")
		}
	}
}

// EncodePEM returns the PEM form used for pinned files.
func EncodePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func parsePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate block")
	}
	return x509.ParseCertificate(block.Bytes)
}
