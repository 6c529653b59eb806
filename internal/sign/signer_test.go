package sign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/beevik/etree"

	"github.com/vouch-labs/vouch-go/internal/canonical"
	"github.com/vouch-labs/vouch-go/internal/domain"
)

const sampleReport = `<?xml version="1.0" encoding="utf-8"?>
<testsuite name="suite" tests="2" failures="1">
  <testcase classname="pkg" name="test_a" time="0.01"/>
  <testcase classname="pkg" name="test_b" time="0.02">
    <failure message="boom">trace</failure>
  </testcase>
</testsuite>`

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	return key
}

func ecdsaKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	return key
}

func ed25519Signer(t *testing.T) crypto.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	return key
}

func countSignatures(t *testing.T, xml []byte) int {
	t.Helper()
	doc, err := canonical.Parse(xml, canonical.DefaultLimits())
	if err != nil {
		t.Fatalf("Parse(signed) err=%v", err)
	}
	count := 0
	for _, child := range doc.Root().ChildElements() {
		if canonical.IsSignature(child) {
			count++
		}
	}
	return count
}

func TestNewRejections(t *testing.T) {
	rsa2048 := rsaKey(t)
	ec256 := ecdsaKey(t)

	rsa1024, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey(1024) err=%v", err)
	}
	ec224, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey(P224) err=%v", err)
	}

	tests := []struct {
		name      string
		algorithm domain.Algorithm
		key       crypto.Signer
	}{
		{name: "unknown algorithm", algorithm: domain.AlgorithmUnknown, key: rsa2048},
		{name: "nil key", algorithm: domain.AlgorithmRSASHA256, key: nil},
		{name: "undersized rsa", algorithm: domain.AlgorithmRSASHA256, key: rsa1024},
		{name: "undersized curve", algorithm: domain.AlgorithmECDSASHA256, key: ec224},
		{name: "rsa algorithm ecdsa key", algorithm: domain.AlgorithmRSASHA256, key: ec256},
		{name: "ecdsa algorithm rsa key", algorithm: domain.AlgorithmECDSASHA256, key: rsa2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.algorithm, tt.key, nil); err == nil {
				t.Fatal("New() expected error")
			}
		})
	}
}

func TestSignEmbedsSingleSignature(t *testing.T) {
	for _, tt := range []struct {
		name      string
		algorithm domain.Algorithm
		key       crypto.Signer
	}{
		{name: "rsa", algorithm: domain.AlgorithmRSASHA256, key: rsaKey(t)},
		{name: "ecdsa", algorithm: domain.AlgorithmECDSASHA256, key: ecdsaKey(t)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := New(tt.algorithm, tt.key, nil)
			if err != nil {
				t.Fatalf("New() err=%v", err)
			}
			signed, err := signer.Sign([]byte(sampleReport))
			if err != nil {
				t.Fatalf("Sign() err=%v", err)
			}
			if got := countSignatures(t, signed.XML); got != 1 {
				t.Fatalf("signed document carries %d signatures, want 1", got)
			}
			if err := signed.Hash.Validate(); err != nil {
				t.Fatalf("Hash.Validate() err=%v", err)
			}
		})
	}
}

func TestSignHashStability(t *testing.T) {
	signer, err := New(domain.AlgorithmRSASHA256, rsaKey(t), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	before, err := canonical.HashReport([]byte(sampleReport), canonical.DefaultLimits())
	if err != nil {
		t.Fatalf("HashReport(before) err=%v", err)
	}
	signed, err := signer.Sign([]byte(sampleReport))
	if err != nil {
		t.Fatalf("Sign() err=%v", err)
	}
	after, err := canonical.HashReport(signed.XML, canonical.DefaultLimits())
	if err != nil {
		t.Fatalf("HashReport(after) err=%v", err)
	}

	if signed.Hash != before {
		t.Fatalf("embedded hash %s differs from pre-sign hash %s", signed.Hash, before)
	}
	if after != before {
		t.Fatalf("hash changed by signing: %s vs %s", after, before)
	}
}

func TestResignReplacesSignature(t *testing.T) {
	signer, err := New(domain.AlgorithmRSASHA256, rsaKey(t), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	first, err := signer.Sign([]byte(sampleReport))
	if err != nil {
		t.Fatalf("Sign(first) err=%v", err)
	}
	second, err := signer.Sign(first.XML)
	if err != nil {
		t.Fatalf("Sign(second) err=%v", err)
	}
	if got := countSignatures(t, second.XML); got != 1 {
		t.Fatalf("re-signed document carries %d signatures, want 1", got)
	}
	if first.Hash != second.Hash {
		t.Fatalf("re-signing changed the content hash: %s vs %s", first.Hash, second.Hash)
	}
}

func TestSignRejectsMalformedReport(t *testing.T) {
	signer, err := New(domain.AlgorithmRSASHA256, rsaKey(t), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := signer.Sign([]byte("<testsuite>")); err == nil {
		t.Fatal("Sign() expected error for malformed input")
	}
}

func TestSignedOutputParses(t *testing.T) {
	signer, err := New(domain.AlgorithmECDSASHA256, ecdsaKey(t), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	signed, err := signer.Sign([]byte(sampleReport))
	if err != nil {
		t.Fatalf("Sign() err=%v", err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed.XML); err != nil {
		t.Fatalf("signed output does not parse: %v", err)
	}
	if doc.Root().Tag != "testsuite" {
		t.Fatalf("root tag=%q want testsuite", doc.Root().Tag)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(signed.XML), []byte("<?xml")) {
		t.Fatal("signed output missing xml declaration")
	}
}

func TestAlgorithmForKey(t *testing.T) {
	alg, err := AlgorithmForKey(rsaKey(t))
	if err != nil {
		t.Fatalf("AlgorithmForKey(rsa) err=%v", err)
	}
	if alg != domain.AlgorithmRSASHA256 {
		t.Fatalf("AlgorithmForKey(rsa)=%s want rsa-sha256", alg)
	}

	alg, err = AlgorithmForKey(ecdsaKey(t))
	if err != nil {
		t.Fatalf("AlgorithmForKey(ecdsa) err=%v", err)
	}
	if alg != domain.AlgorithmECDSASHA256 {
		t.Fatalf("AlgorithmForKey(ecdsa)=%s want ecdsa-sha256", alg)
	}

	// The inferred algorithm always satisfies New's pairing check, so a
	// caller without explicit configuration can sign with either key type.
	key := ecdsaKey(t)
	inferred, err := AlgorithmForKey(key)
	if err != nil {
		t.Fatalf("AlgorithmForKey() err=%v", err)
	}
	signer, err := New(inferred, key, nil)
	if err != nil {
		t.Fatalf("New(inferred, ecdsa) err=%v", err)
	}
	if _, err := signer.Sign([]byte(sampleReport)); err != nil {
		t.Fatalf("Sign() err=%v", err)
	}

	if _, err := AlgorithmForKey(ed25519Signer(t)); err == nil {
		t.Fatal("AlgorithmForKey() accepted a key outside the approved set")
	}
}

func TestLoadPrivateKeyPEM(t *testing.T) {
	rsaPriv := rsaKey(t)
	ecPriv := ecdsaKey(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaPriv),
	})
	sec1Bytes, err := x509.MarshalECPrivateKey(ecPriv)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() err=%v", err)
	}
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1Bytes})
	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(rsaPriv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() err=%v", err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	for _, tt := range []struct {
		name string
		data []byte
	}{
		{name: "pkcs1", data: pkcs1},
		{name: "sec1", data: sec1},
		{name: "pkcs8", data: pkcs8},
	} {
		t.Run(tt.name, func(t *testing.T) {
			key, err := LoadPrivateKeyPEM(tt.data)
			if err != nil {
				t.Fatalf("LoadPrivateKeyPEM() err=%v", err)
			}
			if key == nil {
				t.Fatal("LoadPrivateKeyPEM() returned nil key")
			}
		})
	}

	if _, err := LoadPrivateKeyPEM([]byte("not a key")); err == nil {
		t.Fatal("LoadPrivateKeyPEM() expected error for garbage")
	}
}
