package share

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestJoinLink(t *testing.T) {
	l, err := NewLinker("https://puzzleshare.app")
	if err != nil {
		t.Fatalf("NewLinker: %v", err)
	}
	link, err := l.JoinLink("game", "abc123")
	if err != nil {
		t.Fatalf("JoinLink: %v", err)
	}
	if link.URL != "https://puzzleshare.app/game/abc123" {
		t.Fatalf("URL = %q", link.URL)
	}
}

func TestJoinLinkWithBasePath(t *testing.T) {
	l, err := NewLinker("https://example.com/app/")
	if err != nil {
		t.Fatalf("NewLinker: %v", err)
	}
	link, err := l.JoinLink("game", "g1")
	if err != nil {
		t.Fatalf("JoinLink: %v", err)
	}
	if link.URL != "https://example.com/app/game/g1" {
		t.Fatalf("URL = %q", link.URL)
	}
}

func TestJoinLinkRejectsBadIdentifiers(t *testing.T) {
	l, _ := NewLinker("https://puzzleshare.app")
	tests := []struct {
		kind, id string
	}{
		{"game", ""},
		{"game", "has space"},
		{"game", "a/b"},
		{"", "abc"},
	}
	for _, tt := range tests {
		_, err := l.JoinLink(tt.kind, tt.id)
		var invalid ErrInvalidLink
		if !errors.As(err, &invalid) {
			t.Errorf("JoinLink(%q, %q) = %v, want ErrInvalidLink", tt.kind, tt.id, err)
		}
	}
}

func TestNewLinkerRejectsRelativeURL(t *testing.T) {
	_, err := NewLinker("/just/a/path")
	var invalid ErrInvalidLink
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ErrInvalidLink", err)
	}
}

func TestParseRoundTrip(t *testing.T) {
	l, _ := NewLinker("https://puzzleshare.app")
	built, err := l.JoinLink("game", "abc123")
	if err != nil {
		t.Fatalf("JoinLink: %v", err)
	}
	parsed, err := l.Parse(built.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kind != "game" || parsed.EntityID != "abc123" {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseRejectsForeignHost(t *testing.T) {
	l, _ := NewLinker("https://puzzleshare.app")
	_, err := l.Parse("https://evil.example/game/abc123")
	var invalid ErrInvalidLink
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ErrInvalidLink", err)
	}
}

func TestExpiringLinkRoundTrip(t *testing.T) {
	l, _ := NewLinker("https://puzzleshare.app")
	exp := time.Unix(1900000000, 0)
	built, err := l.JoinLinkExpiring("game", "abc123", exp)
	if err != nil {
		t.Fatalf("JoinLinkExpiring: %v", err)
	}
	parsed, err := l.Parse(built.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.ExpiresAt.Equal(exp) {
		t.Fatalf("ExpiresAt = %v, want %v", parsed.ExpiresAt, exp)
	}
	if parsed.Expired(exp.Add(-time.Hour)) {
		t.Fatal("link expired before its expiry")
	}
	if !parsed.Expired(exp.Add(time.Hour)) {
		t.Fatal("link not expired after its expiry")
	}
}

func TestQRCodeRendersPNG(t *testing.T) {
	l, _ := NewLinker("https://puzzleshare.app")
	link, err := l.JoinLink("game", "abc123")
	if err != nil {
		t.Fatalf("JoinLink: %v", err)
	}
	png, err := QRCode(link, 128)
	if err != nil {
		t.Fatalf("QRCode: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("output does not look like a PNG (first bytes %q)", png[:4])
	}
}
