package federation

import "testing"

func TestHashAndVerifyPeerSecretRoundTrip(t *testing.T) {
	hash, err := HashPeerSecret("s3cret")
	if err != nil {
		t.Fatalf("HashPeerSecret: %v", err)
	}
	if err := VerifyPeerSecret(hash, "s3cret"); err != nil {
		t.Fatalf("expected secret to verify, got %v", err)
	}
}

func TestVerifyPeerSecretRejectsWrongSecret(t *testing.T) {
	hash, err := HashPeerSecret("s3cret")
	if err != nil {
		t.Fatalf("HashPeerSecret: %v", err)
	}
	if err := VerifyPeerSecret(hash, "wrong"); err == nil {
		t.Fatal("expected verification to fail for wrong secret")
	}
}

func TestPoolAuthenticateDefaultsTrueWithoutRegisteredSecret(t *testing.T) {
	p := New("local.example.org", nil, testLogger())
	if !p.Authenticate("peer.example.org", "anything") {
		t.Fatal("expected Authenticate to default true for an unregistered peer")
	}
}

func TestPoolAuthenticateChecksRegisteredSecret(t *testing.T) {
	p := New("local.example.org", nil, testLogger())
	hash, err := HashPeerSecret("shared-secret")
	if err != nil {
		t.Fatalf("HashPeerSecret: %v", err)
	}
	p.SetPeerSecret("peer.example.org", hash)

	if !p.Authenticate("peer.example.org", "shared-secret") {
		t.Fatal("expected correct secret to authenticate")
	}
	if p.Authenticate("peer.example.org", "wrong-secret") {
		t.Fatal("expected incorrect secret to fail authentication")
	}
}
