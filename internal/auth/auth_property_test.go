package auth

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genSubject generates a non-empty principal identifier.
func genSubject() gopter.Gen {
	return gen.Identifier().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 255
	})
}

// genRole generates one of the known roles.
func genRole() gopter.Gen {
	return gen.OneConstOf(RoleOwner, RoleMember)
}

// genPublicKey generates an optional authorized-key-looking string.
func genPublicKey() gopter.Gen {
	return gen.AlphaString().Map(func(s string) string {
		if s == "" {
			return ""
		}
		return "ssh-ed25519 " + s
	})
}

// genJWTSecret generates a valid JWT secret (at least 32 bytes).
func genJWTSecret() gopter.Gen {
	return gen.SliceOfN(32, gen.UInt8()).Map(func(bytes []uint8) []byte {
		result := make([]byte, len(bytes))
		for i, b := range bytes {
			result[i] = byte(b)
		}
		return result
	})
}

func TestJWTTokenRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JWT token round-trip preserves the principal", prop.ForAll(
		func(subject string, role Role, publicKey string, secret []byte) bool {
			svc := NewService(&Config{JWTSecret: secret, TokenExpiry: time.Hour}, nil)

			token, err := svc.GenerateToken(subject, role, publicKey)
			if err != nil {
				return false
			}

			claims, err := svc.ValidateToken(token)
			if err != nil {
				return false
			}

			p := claims.Principal()
			return p.ID == subject && p.Role == role && p.PublicKey == publicKey
		},
		genSubject(),
		genRole(),
		genPublicKey(),
		genJWTSecret(),
	))

	properties.TestingRun(t)
}

func TestJWTWrongSecretRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("tokens signed with another secret are rejected", prop.ForAll(
		func(subject string, a, b []byte) bool {
			if string(a) == string(b) {
				return true
			}
			issuer := NewService(&Config{JWTSecret: a, TokenExpiry: time.Hour}, nil)
			verifier := NewService(&Config{JWTSecret: b, TokenExpiry: time.Hour}, nil)

			token, err := issuer.GenerateToken(subject, RoleMember, "")
			if err != nil {
				return false
			}
			_, err = verifier.ValidateToken(token)
			return err == ErrInvalidSignature
		},
		genSubject(),
		genJWTSecret(),
		genJWTSecret(),
	))

	properties.TestingRun(t)
}

func TestExpiredToken(t *testing.T) {
	svc := NewService(&Config{JWTSecret: []byte("0123456789abcdef0123456789abcdef"), TokenExpiry: -time.Minute}, nil)
	token, err := svc.GenerateToken("alice", RoleMember, "")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := svc.ValidateToken(token); err != ErrExpiredToken {
		t.Errorf("ValidateToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	svc := NewService(&Config{JWTSecret: []byte("0123456789abcdef0123456789abcdef"), TokenExpiry: time.Hour}, nil)
	if _, err := svc.GenerateToken("", RoleMember, ""); err != ErrMissingClaims {
		t.Errorf("empty subject error = %v", err)
	}
	if _, err := svc.GenerateToken("alice", Role("admin"), ""); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearerabc":    "",
		"Bearer a.b.c": "a.b.c",
	}
	for header, want := range tests {
		if got := ExtractBearerToken(header); got != want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
