package component

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vango-dev/livesync/pkg/protocol"
)

// DefaultFreshness is how long a signed snapshot may be used to rehydrate.
const DefaultFreshness = 24 * time.Hour

// maxClockSkew tolerates snapshots issued slightly in the future.
const maxClockSkew = time.Minute

// Snapshot is the content of a signed state blob.
type Snapshot struct {
	Type        string         `json:"cmp"`
	ComponentID string         `json:"cid"`
	State       map[string]any `json:"state"`
	Room        string         `json:"room,omitempty"`
	UserID      string         `json:"uid,omitempty"`
	IssuedAt    time.Time      `json:"-"`
}

type snapshotClaims struct {
	Snapshot
	jwt.RegisteredClaims
}

// Signer signs and verifies state snapshots with HMAC-SHA256.
type Signer struct {
	secret    []byte
	freshness time.Duration
	now       func() time.Time
}

// NewSigner creates a signer. An empty secret is replaced by a random one,
// which means snapshots do not survive a restart.
func NewSigner(secret []byte, freshness time.Duration) *Signer {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic("component: crypto/rand failed: " + err.Error())
		}
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Signer{secret: secret, freshness: freshness, now: time.Now}
}

// Freshness returns the accepted snapshot age.
func (s *Signer) Freshness() time.Duration { return s.freshness }

// Sign encodes snap. IssuedAt defaults to now.
func (s *Signer) Sign(snap Snapshot) (string, error) {
	iat := snap.IssuedAt
	if iat.IsZero() {
		iat = s.now()
	}
	claims := snapshotClaims{
		Snapshot:         snap,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(iat)},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify decodes blob. Age is checked before the signature, so a stale blob
// is REHYDRATION_EXPIRED whether or not its signature is valid. Anything
// else wrong is REHYDRATION_INVALID.
func (s *Signer) Verify(blob string) (*Snapshot, error) {
	if blob == "" {
		return nil, protocol.NewError(protocol.CodeRehydrationInvalid, "empty snapshot")
	}

	var unverified snapshotClaims
	if _, _, err := jwt.NewParser().ParseUnverified(blob, &unverified); err != nil {
		return nil, protocol.Errorf(protocol.CodeRehydrationInvalid, "malformed snapshot: %v", err)
	}
	if unverified.RegisteredClaims.IssuedAt == nil {
		return nil, protocol.NewError(protocol.CodeRehydrationInvalid, "snapshot has no issue time")
	}
	issued := unverified.RegisteredClaims.IssuedAt.Time
	now := s.now()
	if now.Sub(issued) > s.freshness {
		return nil, protocol.Errorf(protocol.CodeRehydrationExpired, "snapshot issued %s ago", now.Sub(issued).Round(time.Second))
	}
	if issued.Sub(now) > maxClockSkew {
		return nil, protocol.NewError(protocol.CodeRehydrationInvalid, "snapshot issued in the future")
	}

	var claims snapshotClaims
	_, err := jwt.ParseWithClaims(blob, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, protocol.NewError(protocol.CodeRehydrationInvalid, "snapshot signature invalid")
		}
		return nil, protocol.Errorf(protocol.CodeRehydrationInvalid, "snapshot rejected: %v", err)
	}
	if claims.Type == "" {
		return nil, protocol.NewError(protocol.CodeRehydrationInvalid, "snapshot missing component type")
	}

	snap := claims.Snapshot
	snap.IssuedAt = issued
	if snap.State == nil {
		snap.State = map[string]any{}
	}
	return &snap, nil
}
