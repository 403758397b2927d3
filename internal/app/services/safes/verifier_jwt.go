package safes

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier implements AuthorizationVerifier over signed admin-instruction
// tokens. Each signature is a compact HS256 JWT whose claims bind the signer
// to the instruction digest. Multi-party threshold schemes plug in behind
// the same interface; this implementation requires every listed signer to
// present a valid token.
type JWTVerifier struct {
	secret []byte

	mu     sync.Mutex
	admins map[string]map[string]bool
	nonces map[string]uint64
}

var _ AuthorizationVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier with the shared signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		admins: make(map[string]map[string]bool),
		nonces: make(map[string]uint64),
	}
}

// GrantAdmin registers a signer as an admin of a safe.
func (v *JWTVerifier) GrantAdmin(safeID, signer string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.admins[safeID] == nil {
		v.admins[safeID] = make(map[string]bool)
	}
	v.admins[safeID][signer] = true
}

// IsAdmin reports whether the signer administers the safe. Grants under
// the "*" account apply to every safe.
func (v *JWTVerifier) IsAdmin(account, signer string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.admins[account][signer] || v.admins["*"][signer]
}

// NextNonce returns the replay-protection nonce the account's next
// administrative instruction must be signed over. It does not advance;
// ConsumeNonce is called after a successful verification.
func (v *JWTVerifier) NextNonce(account string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nonces[account]
}

// ConsumeNonce advances the account's nonce after a verified instruction so
// the same signature cannot authorize a second one.
func (v *JWTVerifier) ConsumeNonce(account string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nonces[account]++
}

type instructionClaims struct {
	Digest string `json:"digest"`
	jwt.RegisteredClaims
}

// CheckQuorum verifies that every signer presented a valid token over the
// digest. signatures[i] belongs to signers[i].
func (v *JWTVerifier) CheckQuorum(digest []byte, signers []string, signatures [][]byte) bool {
	if len(signers) == 0 || len(signers) != len(signatures) {
		return false
	}
	want := hex.EncodeToString(digest)
	for i, signer := range signers {
		if !v.verifyOne(want, signer, signatures[i]) {
			return false
		}
	}
	return true
}

func (v *JWTVerifier) verifyOne(wantDigest, signer string, signature []byte) bool {
	var claims instructionClaims
	token, err := jwt.ParseWithClaims(string(signature), &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return false
	}
	return claims.Digest == wantDigest && claims.Subject == signer
}

// SignInstruction issues a token a signer presents as its signature over the
// digest. Exposed for operational tooling and tests.
func (v *JWTVerifier) SignInstruction(digest []byte, signer string, ttl time.Duration) ([]byte, error) {
	claims := instructionClaims{
		Digest: hex.EncodeToString(digest),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   signer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return nil, err
	}
	return []byte(signed), nil
}
