package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileProvider serves keys and certificates from PEM files on disk.
//
// Key files are expected at: {keyDir}/{alias}.key
// Certificate files at: {keyDir}/{alias}.crt
//
// Loaded entries are cached until Close.
type FileProvider struct {
	keyDir string

	mu      sync.RWMutex
	signers map[string]crypto.Signer
	certs   map[string]*x509.Certificate
}

// NewFileProvider creates a new file-based provider
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}

	return &FileProvider{
		keyDir:  keyDir,
		signers: make(map[string]crypto.Signer),
		certs:   make(map[string]*x509.Certificate),
	}, nil
}

// SigningKey returns the private key and certificate stored under alias.
func (p *FileProvider) SigningKey(alias string) (crypto.Signer, *x509.Certificate, error) {
	cert, err := p.Certificate(alias)
	if err != nil {
		return nil, nil, err
	}

	p.mu.RLock()
	key, ok := p.signers[alias]
	p.mu.RUnlock()
	if ok {
		return key, cert, nil
	}

	block, err := readPEM(p.path(alias, ".key"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading key for %s: %w", alias, err)
	}
	key, err = parsePrivateKey(block)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key for %s: %w", alias, err)
	}

	p.mu.Lock()
	p.signers[alias] = key
	p.mu.Unlock()
	return key, cert, nil
}

// Certificate returns the certificate stored under alias. Partner aliases
// need no private key.
func (p *FileProvider) Certificate(alias string) (*x509.Certificate, error) {
	if err := validAlias(alias); err != nil {
		return nil, err
	}

	p.mu.RLock()
	cert, ok := p.certs[alias]
	p.mu.RUnlock()
	if ok {
		return cert, nil
	}

	cert, err := loadCertificate(p.path(alias, ".crt"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("loading certificate for %s: %w", alias, err)
	}

	p.mu.Lock()
	p.certs[alias] = cert
	p.mu.Unlock()
	return cert, nil
}

// ListKeys describes every alias with a readable certificate, sorted by
// alias.
func (p *FileProvider) ListKeys() ([]KeyInfo, error) {
	matches, err := filepath.Glob(filepath.Join(p.keyDir, "*.crt"))
	if err != nil {
		return nil, fmt.Errorf("reading key directory: %w", err)
	}

	keys := make([]KeyInfo, 0, len(matches))
	for _, path := range matches {
		alias := strings.TrimSuffix(filepath.Base(path), ".crt")
		cert, err := p.Certificate(alias)
		if err != nil {
			continue
		}
		_, statErr := os.Stat(p.path(alias, ".key"))
		keys = append(keys, KeyInfo{
			Alias:              alias,
			HasPrivateKey:      statErr == nil,
			Algorithm:          keyAlgorithmName(cert.PublicKey),
			KeySize:            keySize(cert.PublicKey),
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
			CertificateSubject: cert.Subject.String(),
		})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Alias < keys[j].Alias })
	return keys, nil
}

// Close drops cached keys and certificates
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.signers)
	clear(p.certs)
	return nil
}

func (p *FileProvider) path(alias, ext string) string {
	return filepath.Join(p.keyDir, alias+ext)
}

// validAlias rejects aliases that would escape the key directory.
func validAlias(alias string) error {
	if alias == "" || alias != filepath.Base(alias) || strings.HasPrefix(alias, ".") {
		return fmt.Errorf("invalid keystore alias %q", alias)
	}
	return nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", filepath.Base(path))
	}
	return block, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key of type %T cannot sign", key)
	}
	return signer, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s holds a %s, not a certificate", filepath.Base(path), block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	default:
		return 0
	}
}
