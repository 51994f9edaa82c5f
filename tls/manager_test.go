package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()
	mgr := NewManager(tmpDir, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"tlsDir", mgr.tlsDir, filepath.Join(tmpDir, "tls")},
		{"certFile", mgr.CertFile(), filepath.Join(tmpDir, "tls", "server.crt")},
		{"keyFile", mgr.KeyFile(), filepath.Join(tmpDir, "tls", "server.key")},
		{"caCertFile", mgr.CACertFile(), filepath.Join(tmpDir, "ca", "rootCA.pem")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestCertHosts(t *testing.T) {
	got := CertHosts([]string{"192.168.1.5", "127.0.0.1", "", "10.0.0.2", "192.168.1.5"})
	want := []string{"localhost", "127.0.0.1", "192.168.1.5", "10.0.0.2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CertHosts() mismatch (-want +got):\n%s", diff)
	}
}

func TestHostsChanged(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	if err := os.MkdirAll(mgr.tlsDir, 0700); err != nil {
		t.Fatal(err)
	}

	if !mgr.hostsChanged([]string{"localhost"}) {
		t.Error("hostsChanged() = false with no cache")
	}
	if err := mgr.writeCachedHosts([]string{"localhost", "127.0.0.1"}); err != nil {
		t.Fatalf("writeCachedHosts() error = %v", err)
	}

	tests := []struct {
		hosts []string
		want  bool
	}{
		{[]string{"localhost", "127.0.0.1"}, false},
		{[]string{"127.0.0.1", "localhost"}, false},
		{[]string{"localhost", "127.0.0.1", "192.168.1.1"}, true},
		{[]string{"localhost"}, true},
	}
	for _, tt := range tests {
		if got := mgr.hostsChanged(tt.hosts); got != tt.want {
			t.Errorf("hostsChanged(%v) = %v, want %v", tt.hosts, got, tt.want)
		}
	}
}

func TestReadWriteCachedHosts(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	if err := os.MkdirAll(mgr.tlsDir, 0700); err != nil {
		t.Fatal(err)
	}

	hosts := []string{"localhost", "127.0.0.1", "192.168.1.100"}
	if err := mgr.writeCachedHosts(hosts); err != nil {
		t.Fatalf("writeCachedHosts() error = %v", err)
	}
	got, err := mgr.readCachedHosts()
	if err != nil {
		t.Fatalf("readCachedHosts() error = %v", err)
	}
	if diff := cmp.Diff(hosts, got); diff != "" {
		t.Errorf("cached hosts mismatch (-want +got):\n%s", diff)
	}
}

func TestCertsExist(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	if err := os.MkdirAll(mgr.tlsDir, 0700); err != nil {
		t.Fatal(err)
	}

	if mgr.certsExist() {
		t.Error("certsExist() = true with no files")
	}
	os.WriteFile(mgr.certFile, []byte("cert"), 0600)
	if mgr.certsExist() {
		t.Error("certsExist() = true with only the cert")
	}
	os.WriteFile(mgr.keyFile, []byte("key"), 0600)
	if !mgr.certsExist() {
		t.Error("certsExist() = false with both files")
	}
}

func TestEnsureCertificatesReusesExisting(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	hosts := []string{"localhost", "127.0.0.1"}
	if err := os.MkdirAll(mgr.tlsDir, 0700); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(mgr.certFile, []byte("cert"), 0600)
	os.WriteFile(mgr.keyFile, []byte("key"), 0600)
	if err := mgr.writeCachedHosts(hosts); err != nil {
		t.Fatal(err)
	}

	cert, key, err := mgr.EnsureCertificates([]string{"127.0.0.1", "localhost"})
	if err != nil {
		t.Fatalf("EnsureCertificates() error = %v", err)
	}
	if cert != mgr.certFile || key != mgr.keyFile {
		t.Errorf("EnsureCertificates() = %q, %q", cert, key)
	}
}

// writeTestCA writes a self-signed CA where the manager expects it.
func writeTestCA(t *testing.T, mgr *Manager) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.MkdirAll(mgr.caDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mgr.caCertFile, pemBytes, 0600); err != nil {
		t.Fatal(err)
	}
	return pemBytes
}

func TestCAFingerprint(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	if _, err := mgr.CAFingerprint(); err == nil {
		t.Error("CAFingerprint() without a CA succeeded")
	}

	writeTestCA(t, mgr)
	fp, err := mgr.CAFingerprint()
	if err != nil {
		t.Fatalf("CAFingerprint() error = %v", err)
	}
	if parts := strings.Split(fp, ":"); len(parts) != 32 {
		t.Errorf("fingerprint %q has %d parts, want 32", fp, len(parts))
	}

	if _, err := fingerprint([]byte("garbage")); err == nil {
		t.Error("fingerprint(garbage) succeeded")
	}
}

func TestBootstrapServer(t *testing.T) {
	mgr := NewManager(t.TempDir(), nil)
	bs := NewBootstrapServer(mgr, 18081, CertHosts([]string{"192.168.1.7"}))
	ts := httptest.NewServer(bs.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ca.pem")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /ca.pem without CA = %d, want 404", resp.StatusCode)
	}

	want := writeTestCA(t, mgr)
	resp, err = http.Get(ts.URL + "/ca.crt")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != string(want) {
		t.Errorf("GET /ca.crt = %d, body match %v", resp.StatusCode, string(body) == string(want))
	}

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	fp, _ := mgr.CAFingerprint()
	for _, s := range []string{fp, "http://192.168.1.7:18081/ca.pem", "http://localhost:18081/ca.pem"} {
		if !strings.Contains(string(page), s) {
			t.Errorf("instructions page missing %q", s)
		}
	}
}
