// Package access is the trust fabric: the provisioning CA hierarchy,
// mTLS identity checks, portal tokens and operator sessions.
//
// Certificate lifecycle:
// 1. Plane boots -> root CA generated (or loaded from disk)
// 2. Site onboarded -> site-scoped intermediate issued under the root
// 3. Appliance provisioned -> client cert issued under the site CA,
//    CN = appliance_id; handlers cross-check it against the JSON identity
//
// HIPAA: 164.312(e)(1) - Transmission security
package access

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// FleetCA manages the root keypair and the per-site intermediates that
// issue appliance client certificates.
type FleetCA struct {
	Dir      string
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
}

// NewCA creates a FleetCA rooted at the given directory.
func NewCA(dir string) *FleetCA {
	return &FleetCA{Dir: dir}
}

func (ca *FleetCA) rootCertPath() string   { return filepath.Join(ca.Dir, "root.crt") }
func (ca *FleetCA) rootKeyPath() string    { return filepath.Join(ca.Dir, "root.key") }
func (ca *FleetCA) serverCertPath() string { return filepath.Join(ca.Dir, "server.crt") }
func (ca *FleetCA) serverKeyPath() string  { return filepath.Join(ca.Dir, "server.key") }

func (ca *FleetCA) siteCertPath(siteID string) string {
	return filepath.Join(ca.Dir, "sites", siteID+".crt")
}

func (ca *FleetCA) siteKeyPath(siteID string) string {
	return filepath.Join(ca.Dir, "sites", siteID+".key")
}

// EnsureRoot generates the root cert/key if not present, or loads the
// existing pair. The root only ever signs intermediates and the
// plane's own server cert.
func (ca *FleetCA) EnsureRoot() error {
	if err := os.MkdirAll(filepath.Join(ca.Dir, "sites"), 0o755); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}

	if ca.loadRoot() == nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"OsirisCare"},
			CommonName:   "OsirisCare Fleet Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(20 * 365 * 24 * time.Hour),
		IsCA:                  true,
		MaxPathLen:            1,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root cert: %w", err)
	}

	if err := writeKeyPEM(ca.rootKeyPath(), key); err != nil {
		return err
	}
	if err := writeCertPEM(ca.rootCertPath(), certDER); err != nil {
		return err
	}

	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

func (ca *FleetCA) loadRoot() error {
	cert, key, err := loadPair(ca.rootCertPath(), ca.rootKeyPath())
	if err != nil {
		return err
	}
	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

// RootPEM returns the root certificate as PEM bytes. Appliances pin it
// as their tls_ca bundle.
func (ca *FleetCA) RootPEM() ([]byte, error) {
	if ca.rootCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw}), nil
}

// SiteCA is one site-scoped intermediate. It signs only client
// certificates for that site's appliances.
type SiteCA struct {
	SiteID string
	root   *x509.Certificate
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
}

// EnsureSiteCA issues (or loads) the intermediate for one site.
func (ca *FleetCA) EnsureSiteCA(siteID string) (*SiteCA, error) {
	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized, call EnsureRoot first")
	}

	if cert, key, err := loadPair(ca.siteCertPath(siteID), ca.siteKeyPath(siteID)); err == nil {
		return &SiteCA{SiteID: siteID, root: ca.rootCert, cert: cert, key: key}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate site key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"OsirisCare"},
			OrganizationalUnit: []string{siteID},
			CommonName:         fmt.Sprintf("OsirisCare Site CA %s", siteID),
		},
		NotBefore:             now,
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign site cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse site cert: %w", err)
	}

	if err := writeKeyPEM(ca.siteKeyPath(siteID), key); err != nil {
		return nil, err
	}
	if err := writeCertPEM(ca.siteCertPath(siteID), certDER); err != nil {
		return nil, err
	}

	return &SiteCA{SiteID: siteID, root: ca.rootCert, cert: cert, key: key}, nil
}

// IssueApplianceCert issues a client certificate for one appliance.
// The CN carries the appliance_id so mTLS handlers can cross-check the
// JSON identity. Returns (cert_pem, key_pem, chain_pem); the chain is
// intermediate then root.
func (s *SiteCA) IssueApplianceCert(applianceID string) (certPEM, keyPEM, chainPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate appliance key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"OsirisCare"},
			OrganizationalUnit: []string{s.SiteID},
			CommonName:         applianceID,
		},
		NotBefore:   now,
		NotAfter:    now.Add(365 * 24 * time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, s.cert, &key.PublicKey, s.key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sign appliance cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal appliance key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.cert.Raw})...)
	chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.root.Raw})...)

	return certPEM, keyPEM, chainPEM, nil
}

// IssueServerCert issues (or returns a cached, still-fresh) server
// certificate for the plane's agent endpoint. Hosts may mix DNS names
// and IP literals.
func (ca *FleetCA) IssueServerCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized, call EnsureRoot first")
	}

	if existingCert, existingKey, ok := ca.freshServerCert(); ok {
		return existingCert, existingKey, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"OsirisCare"},
			CommonName:   "OsirisCare Fleet Plane",
		},
		NotBefore:   now,
		NotAfter:    now.Add(365 * 24 * time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign server cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal server key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	_ = os.WriteFile(ca.serverCertPath(), certPEM, 0o644)
	_ = os.WriteFile(ca.serverKeyPath(), keyPEM, 0o600)

	return certPEM, keyPEM, nil
}

// freshServerCert returns the cached server pair when it has more than
// 30 days left.
func (ca *FleetCA) freshServerCert() (certPEM, keyPEM []byte, ok bool) {
	certData, err := os.ReadFile(ca.serverCertPath())
	if err != nil {
		return nil, nil, false
	}
	keyData, err := os.ReadFile(ca.serverKeyPath())
	if err != nil {
		return nil, nil, false
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, false
	}

	if time.Until(cert.NotAfter) > 30*24*time.Hour {
		return certData, keyData, true
	}
	return nil, nil, false
}

// ClientPool builds the verification pool for mTLS: the root plus
// every issued site intermediate.
func (ca *FleetCA) ClientPool() (*x509.CertPool, error) {
	if ca.rootCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.rootCert)

	entries, err := os.ReadDir(filepath.Join(ca.Dir, "sites"))
	if err != nil {
		if os.IsNotExist(err) {
			return pool, nil
		}
		return nil, fmt.Errorf("read site CAs: %w", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".crt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ca.Dir, "sites", e.Name()))
		if err != nil {
			continue
		}
		pool.AppendCertsFromPEM(data)
	}
	return pool, nil
}

func loadPair(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", certPath, err)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", keyPath, err)
	}
	return cert, key, nil
}

func writeKeyPEM(path string, key *ecdsa.PrivateKey) error {
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeCertPEM(path string, der []byte) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
