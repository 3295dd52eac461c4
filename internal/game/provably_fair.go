package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// NewServerSeed generates a cryptographically secure 32-byte seed, kept
// secret until a round resolves.
func NewServerSeed() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CommitmentHash is the opaque, published identifier for a round or bet
// before its outcome is known. Seed hashes are audit identifiers only; no
// cryptographic provable-fair guarantee is made beyond
// SHA-256(serverSeed).
func CommitmentHash(serverSeed string) string {
	h := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(h[:])
}

// DiceRoll derives a roll from HMAC-SHA256(serverSeed, "clientSeed:nonce"):
// the first 52 bits of the digest mod 10000, over 100, yielding a value in
// [0.00, 99.99].
func DiceRoll(serverSeed, clientSeed string, nonce int64) float64 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(fmtClientNonce(clientSeed, nonce)))
	digest := mac.Sum(nil)

	// First 52 bits: top 6.5 bytes of the digest.
	v := new(big.Int).SetBytes(digest[:7])
	v.Rsh(v, 4) // 7 bytes = 56 bits; drop the low 4 bits to land on 52.

	mod := new(big.Int).Mod(v, big.NewInt(10000))
	return float64(mod.Int64()) / 100.0
}

func fmtClientNonce(clientSeed string, nonce int64) string {
	return clientSeed + ":" + itoa(nonce)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// UniformInt returns a cryptographically random integer in [lo, hi]
// (inclusive), used by every game's ticket/winner draw (jackpot, battle,
// coinflip, wheel angle, crash point pool).
func UniformInt(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	n := hi - lo + 1
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return lo
	}
	return lo + v.Int64()
}

// UniformFloat01 returns a uniform random float in [0, 1).
func UniformFloat01() float64 {
	const bits = 53
	v, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), bits))
	if err != nil {
		return 0
	}
	return float64(v.Int64()) / float64(int64(1)<<bits)
}
