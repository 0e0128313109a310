package merchant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/storage"
)

const testXPub = "kpub" + "2J7VvyZETSnsP4DHVs7odKR5rKLw5Ad6NcTGzNuqGYzRPziBkEdoTZqCPKGZKBSNcQJQCvYALpw9HzFRXnsejdiQdFPq2QbMXHuKiK"

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	params, _ := kaspa.ParamsFor("mainnet")
	return NewService(store, kaspa.NewDeriver(params), zerolog.Nop()), store
}

func TestKeyFormats(t *testing.T) {
	key, err := NewAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "kg_live_") || len(key) < 40 {
		t.Errorf("api key shape: %s", key)
	}

	secret, err := NewWebhookSecret()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(secret, "whsec_") {
		t.Errorf("secret shape: %s", secret)
	}

	other, _ := NewAPIKey()
	if other == key {
		t.Error("two minted keys collide")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":"payment.confirming","amount":"100000000"}`)
	sig := SignPayload("whsec_one", body)

	if !VerifySignature("whsec_one", body, sig) {
		t.Error("signature does not verify under its own secret")
	}
	if VerifySignature("whsec_two", body, sig) {
		t.Error("signature verifies under a different secret")
	}
	if VerifySignature("whsec_one", []byte("tampered"), sig) {
		t.Error("signature verifies over different body")
	}
	if VerifySignature("whsec_one", body, "not-hex") {
		t.Error("non-hex signature accepted")
	}

	// Empty bodies sign and verify like any other byte string.
	empty := SignPayload("whsec_one", nil)
	if !VerifySignature("whsec_one", nil, empty) {
		t.Error("empty body signature fails")
	}
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, CreateParams{
		Name: "Shop",
		XPub: testXPub,
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.APIKey == "" || m.WebhookSecret == "" {
		t.Fatal("credentials not minted")
	}

	got, err := svc.Authenticate(ctx, m.APIKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("authenticated wrong merchant: %s", got.ID)
	}

	for _, bad := range []string{"", "kg_live_", "wrong", "kg_live_doesnotexist00000000"} {
		if _, err := svc.Authenticate(ctx, bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: %v", bad, err)
		}
	}
}

func TestCreateRejectsBadXPub(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateParams{Name: "Shop", XPub: "garbage"})
	if err == nil {
		t.Fatal("malformed xpub accepted")
	}
}

func TestAuthenticateAfterPlaintextErase(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, CreateParams{Name: "Shop", XPub: testXPub})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EraseAPIKeyPlaintext(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Authenticate(ctx, m.APIKey)
	if err != nil {
		t.Fatalf("authenticate after erase: %v", err)
	}
	if got.ID != m.ID {
		t.Error("wrong merchant after erase")
	}
}

func TestRotateAPIKeyInvalidatesOld(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, CreateParams{Name: "Shop", XPub: testXPub})
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := svc.RegenerateAPIKey(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == m.APIKey {
		t.Fatal("rotation returned the old key")
	}

	if _, err := svc.Authenticate(ctx, m.APIKey); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("old key still authenticates: %v", err)
	}
	got, err := svc.Authenticate(ctx, fresh)
	if err != nil || got.ID != m.ID {
		t.Errorf("new key: %v", err)
	}
}

func TestRegenerateWebhookSecret(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, CreateParams{Name: "Shop", XPub: testXPub})
	if err != nil {
		t.Fatal(err)
	}
	secret, err := svc.RegenerateWebhookSecret(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if secret == m.WebhookSecret {
		t.Fatal("rotation returned the old secret")
	}

	got, err := svc.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WebhookSecret != secret {
		t.Error("secret not persisted")
	}
}
