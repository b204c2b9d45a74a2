package rings

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const witnessIssuer = "agent-hypervisor/sre-witness"

var (
	ErrWitnessInvalid  = errors.New("sre witness invalid")
	ErrWitnessMismatch = errors.New("sre witness does not cover this action")
)

// WitnessClaims bind an SRE co-signature to one session and one action.
type WitnessClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	ActionID  string `json:"act"`
}

// WitnessVerifier issues and verifies out-of-band SRE witness tokens for
// Ring 0 actions. Each session signs with its own Ed25519 key, derived from
// the master seed with HKDF-SHA256 so a token minted for one session is
// useless in any other.
type WitnessVerifier struct {
	seed  []byte
	clock func() time.Time
}

// NewWitnessVerifier creates a verifier from a master seed of at least 32 bytes.
func NewWitnessVerifier(seed []byte) (*WitnessVerifier, error) {
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("witness seed must be at least %d bytes", ed25519.SeedSize)
	}
	return &WitnessVerifier{seed: append([]byte(nil), seed...), clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (w *WitnessVerifier) WithClock(clock func() time.Time) *WitnessVerifier {
	w.clock = clock
	return w
}

func (w *WitnessVerifier) sessionKey(sessionID string) (ed25519.PrivateKey, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID must not be empty")
	}
	r := hkdf.New(sha256.New, w.seed, []byte("hypervisor-witness-kdf"), []byte(sessionID))
	sessionSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, sessionSeed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(sessionSeed), nil
}

// Issue mints a witness token signed by witnessID for one action.
func (w *WitnessVerifier) Issue(sessionID, actionID, witnessID string, ttl time.Duration) (string, error) {
	key, err := w.sessionKey(sessionID)
	if err != nil {
		return "", err
	}
	now := w.clock().UTC()
	claims := WitnessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   witnessID,
			Issuer:    witnessIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
		ActionID:  actionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}

// Verify checks the token signature, expiry and its session/action binding.
func (w *WitnessVerifier) Verify(token, sessionID, actionID string) (*WitnessClaims, error) {
	key, err := w.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	pub := key.Public().(ed25519.PublicKey)

	claims := &WitnessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithIssuer(witnessIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(w.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWitnessInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrWitnessInvalid
	}
	if claims.SessionID != sessionID || claims.ActionID != actionID {
		return nil, ErrWitnessMismatch
	}
	return claims, nil
}
