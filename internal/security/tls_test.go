package security

import (
	"path/filepath"
	"testing"
)

func TestBuildServerTLSConfigRequiresKeyPair(t *testing.T) {
	if _, err := BuildServerTLSConfig(TLSFiles{}); err == nil {
		t.Fatal("expected error without cert and key")
	}
}

func TestBuildServerTLSConfigMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := BuildServerTLSConfig(TLSFiles{
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	})
	if err == nil {
		t.Fatal("expected error for missing key pair files")
	}
}
