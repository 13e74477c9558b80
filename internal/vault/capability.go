package vault

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeUpload = "upload"
	ScopeAdmin  = "admin"

	issuer = "hermes"
)

// Claims is the payload of a capability token. BucketID is 0 for admin
// capabilities that are not tied to one bucket.
type Claims struct {
	BucketID uint   `json:"bkt,omitempty"`
	Scope    string `json:"scp"`
	jwt.RegisteredClaims
}

// Capability is what a verified token grants.
type Capability struct {
	BucketID  uint
	Scope     string
	Subject   string
	ExpiresAt time.Time
}

// Allows reports whether the capability covers scope on bucketID. Admin
// capabilities cover every scope; a zero BucketID covers every bucket.
func (c Capability) Allows(scope string, bucketID uint) bool {
	if c.Scope != scope && c.Scope != ScopeAdmin {
		return false
	}
	return c.BucketID == 0 || c.BucketID == bucketID
}

// IssueCapability signs a token for scope on bucketID with the fixed TTL.
func (v *Vault) IssueCapability(subject, scope string, bucketID uint) (string, time.Time, error) {
	if scope != ScopeUpload && scope != ScopeAdmin {
		return "", time.Time{}, fmt.Errorf("vault: unknown scope %q", scope)
	}
	if scope == ScopeUpload && bucketID == 0 {
		return "", time.Time{}, errors.New("vault: upload capability needs a bucket")
	}
	now := v.now()
	exp := now.Add(v.capabilityTTL)
	claims := Claims{
		BucketID: bucketID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.capabilityKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("vault: sign capability: %w", err)
	}
	return signed, exp, nil
}

// VerifyCapability checks signature, issuer and expiry.
func (v *Vault) VerifyCapability(token string) (Capability, error) {
	if token == "" {
		return Capability{}, fmt.Errorf("%w: missing token", ErrInvalidCapability)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.capabilityKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if claims.Scope != ScopeUpload && claims.Scope != ScopeAdmin {
		return Capability{}, fmt.Errorf("%w: unknown scope %s", ErrInvalidCapability, strconv.Quote(claims.Scope))
	}
	return Capability{
		BucketID:  claims.BucketID,
		Scope:     claims.Scope,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
