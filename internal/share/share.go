// Package share builds join links for collaborative sessions and renders
// them as QR codes for cross-device handoff.
package share

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidLink reports a join link that cannot be built or parsed.
type ErrInvalidLink struct {
	Input  string
	Reason string
}

func (e ErrInvalidLink) Error() string {
	return fmt.Sprintf("invalid join link %q: %s", e.Input, e.Reason)
}

// Link is a shareable pointer to one entity. ExpiresAt is zero for links
// that never expire.
type Link struct {
	Kind      string
	EntityID  string
	URL       string
	ExpiresAt time.Time
}

// Expired reports whether the link's expiry has passed.
func (l Link) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Linker builds join links under a fixed base URL.
type Linker struct {
	base *url.URL
}

// NewLinker creates a linker. baseURL must be absolute, e.g.
// "https://puzzleshare.app".
func NewLinker(baseURL string) (*Linker, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, ErrInvalidLink{Input: baseURL, Reason: "base url must be absolute"}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Linker{base: u}, nil
}

// JoinLink builds the join link for an entity.
func (l *Linker) JoinLink(kind, entityID string) (Link, error) {
	return l.JoinLinkExpiring(kind, entityID, time.Time{})
}

// JoinLinkExpiring builds a join link carrying an expiry, encoded as a unix
// timestamp in the "exp" query parameter.
func (l *Linker) JoinLinkExpiring(kind, entityID string, expiresAt time.Time) (Link, error) {
	if !identifierPattern.MatchString(kind) {
		return Link{}, ErrInvalidLink{Input: kind, Reason: "bad entity kind"}
	}
	if !identifierPattern.MatchString(entityID) {
		return Link{}, ErrInvalidLink{Input: entityID, Reason: "bad entity id"}
	}
	u := *l.base
	u.Path = l.base.Path + "/" + kind + "/" + entityID
	if !expiresAt.IsZero() {
		q := u.Query()
		q.Set("exp", strconv.FormatInt(expiresAt.Unix(), 10))
		u.RawQuery = q.Encode()
	}
	return Link{Kind: kind, EntityID: entityID, URL: u.String(), ExpiresAt: expiresAt}, nil
}

// Parse extracts the entity reference from a join link under this linker's
// base URL.
func (l *Linker) Parse(raw string) (Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, ErrInvalidLink{Input: raw, Reason: err.Error()}
	}
	if u.Host != l.base.Host {
		return Link{}, ErrInvalidLink{Input: raw, Reason: "host does not match"}
	}
	rel := strings.TrimPrefix(u.Path, l.base.Path)
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	if len(parts) != 2 || !identifierPattern.MatchString(parts[0]) || !identifierPattern.MatchString(parts[1]) {
		return Link{}, ErrInvalidLink{Input: raw, Reason: "path is not /<kind>/<id>"}
	}
	link := Link{Kind: parts[0], EntityID: parts[1], URL: raw}
	if exp := u.Query().Get("exp"); exp != "" {
		secs, err := strconv.ParseInt(exp, 10, 64)
		if err != nil {
			return Link{}, ErrInvalidLink{Input: raw, Reason: "bad expiry"}
		}
		link.ExpiresAt = time.Unix(secs, 0)
	}
	return link, nil
}

// QRCode renders the link as a PNG of the given pixel size.
func QRCode(link Link, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(link.URL, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}

// QRCodeFile writes the link's QR code PNG to a file.
func QRCodeFile(link Link, size int, path string) error {
	if size <= 0 {
		size = 256
	}
	if err := qrcode.WriteFile(link.URL, qrcode.Medium, size, path); err != nil {
		return fmt.Errorf("write qr code: %w", err)
	}
	return nil
}
