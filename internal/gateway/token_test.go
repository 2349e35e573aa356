package gateway

import (
	"errors"
	"testing"
	"time"
)

const testOrigin = "https://origin.example/live/index.m3u8"

func newTestTokenService(t *testing.T) (*TokenService, *Registry) {
	t.Helper()
	reg := NewRegistry()
	svc := NewTokenService(newTestCipher(t), reg, "test-secret", time.Hour, 3)
	return svc, reg
}

func TestTokenService_issue_and_verify(t *testing.T) {
	svc, reg := newTestTokenService(t)

	res, err := svc.Issue(testOrigin, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.Token == "" || res.StreamID == "" {
		t.Fatal("Issue returned empty token or stream id")
	}

	claims, rec, err := svc.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.StreamID != string(res.StreamID) {
		t.Errorf("claims stream id %q != issued %q", claims.StreamID, res.StreamID)
	}
	if !rec.Active || rec.Viewers != 0 || rec.MaxViewers != 3 {
		t.Errorf("unexpected record state: %+v", rec)
	}
	if rec.OriginURL != testOrigin {
		t.Errorf("record origin %q != %q", rec.OriginURL, testOrigin)
	}

	// The concealed origin embedded in the token must decrypt back.
	got, err := svc.cipher.Reveal(claims.Ciphertext)
	if err != nil || got != testOrigin {
		t.Errorf("embedded ciphertext: got %q, %v", got, err)
	}

	if stored, ok := reg.GetStream(res.StreamID); !ok || stored.Generation != claims.Generation {
		t.Error("record generation should match token generation at issue time")
	}
}

func TestTokenService_default_ttl(t *testing.T) {
	svc, reg := newTestTokenService(t)

	res, err := svc.Issue(testOrigin, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec, _ := reg.GetStream(res.StreamID)
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl != time.Hour {
		t.Errorf("expected default 1h ttl, got %v", ttl)
	}
}

func TestTokenService_expiry(t *testing.T) {
	svc, _ := newTestTokenService(t)

	res, err := svc.Issue(testOrigin, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// 61 simulated seconds later the token is past its one-minute expiry.
	svc.now = func() time.Time { return time.Now().Add(61 * time.Second) }

	if _, _, err := svc.Verify(res.Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenService_revocation_on_stop(t *testing.T) {
	svc, _ := newTestTokenService(t)

	res, _ := svc.Issue(testOrigin, 0)

	if err := svc.Stop(res.StreamID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, _, err := svc.Verify(res.Token)
	if !errors.Is(err, ErrStreamStopped) && !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrStreamStopped or ErrRevoked after stop, got %v", err)
	}

	// Stop is idempotent.
	if err := svc.Stop(res.StreamID); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	// A freshly issued token is unaffected by the earlier stop.
	fresh, _ := svc.Issue(testOrigin, 0)
	if _, _, err := svc.Verify(fresh.Token); err != nil {
		t.Errorf("fresh token after stop should verify: %v", err)
	}
}

func TestTokenService_revoked_on_generation_mismatch(t *testing.T) {
	svc, reg := newTestTokenService(t)

	res, _ := svc.Issue(testOrigin, 0)

	// Rotate the generation while keeping the stream active.
	rec, _ := reg.GetStream(res.StreamID)
	rec.Generation = "rotated"
	reg.CreateStream(&rec)

	if _, _, err := svc.Verify(res.Token); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
}

func TestTokenService_stream_gone_after_reap(t *testing.T) {
	svc, reg := newTestTokenService(t)

	res, _ := svc.Issue(testOrigin, 0)
	_ = svc.Stop(res.StreamID)
	reg.ReapExpired(time.Now().UTC())

	if _, _, err := svc.Verify(res.Token); !errors.Is(err, ErrStreamGone) {
		t.Errorf("expected ErrStreamGone after reap, got %v", err)
	}
}

func TestTokenService_stop_unknown_stream(t *testing.T) {
	svc, _ := newTestTokenService(t)

	if err := svc.Stop("nope"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestTokenService_signature_invalid(t *testing.T) {
	svc, _ := newTestTokenService(t)
	other := NewTokenService(newTestCipher(t), NewRegistry(), "other-secret", time.Hour, 3)

	res, _ := other.Issue(testOrigin, 0)

	if _, _, err := svc.Verify(res.Token); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid for foreign signature, got %v", err)
	}

	if _, _, err := svc.Verify("not.a.token"); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid for garbage, got %v", err)
	}
}
