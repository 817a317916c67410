package pppoe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	// SecretLength is the size of the per-server cookie secret.
	SecretLength = 16
	// CookieLength is the size of the AC-Cookie tag value.
	CookieLength = 24

	nonceLength = 8
)

// CookieIdentity names the peer a cookie is issued to. Nonce is chosen by
// the server for every offer and travels inside the cookie.
type CookieIdentity struct {
	Local net.HardwareAddr
	Peer  net.HardwareAddr
	Nonce uint64
}

// CookieEngine derives and checks AC-Cookies from a per-server secret.
//
// A cookie is the big-endian nonce followed by a 16 byte MAC of
// (local, peer, nonce) computed with AES-128 keyed by the secret. It only
// proves that this server issued the offer to this peer.
type CookieEngine struct {
	block cipher.Block
}

// NewSecret returns a random cookie secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate cookie secret: %w", err)
	}
	return secret, nil
}

// NewCookieEngine creates a cookie engine keyed by secret.
func NewCookieEngine(secret []byte) (*CookieEngine, error) {
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("cookie secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie cipher: %w", err)
	}
	return &CookieEngine{block: block}, nil
}

// Generate returns the cookie for id.
func (e *CookieEngine) Generate(id CookieIdentity) [CookieLength]byte {
	var cookie [CookieLength]byte
	binary.BigEndian.PutUint64(cookie[:nonceLength], id.Nonce)
	e.sum(cookie[nonceLength:], id)
	return cookie
}

// Verify reports whether cookie was generated by this engine for local/peer.
func (e *CookieEngine) Verify(local, peer net.HardwareAddr, cookie []byte) bool {
	if len(cookie) != CookieLength {
		return false
	}
	id := CookieIdentity{
		Local: local,
		Peer:  peer,
		Nonce: binary.BigEndian.Uint64(cookie[:nonceLength]),
	}
	var want [aes.BlockSize]byte
	e.sum(want[:], id)
	return subtle.ConstantTimeCompare(want[:], cookie[nonceLength:]) == 1
}

// sum writes E(d2 xor E(d1)) where d1||d2 = SHA-256(local||peer||nonce).
func (e *CookieEngine) sum(dst []byte, id CookieIdentity) {
	h := sha256.New()
	h.Write(padMAC(id.Local))
	h.Write(padMAC(id.Peer))
	var nonce [nonceLength]byte
	binary.BigEndian.PutUint64(nonce[:], id.Nonce)
	h.Write(nonce[:])
	digest := h.Sum(nil)

	var b1, b2 [aes.BlockSize]byte
	e.block.Encrypt(b1[:], digest[:aes.BlockSize])
	subtle.XORBytes(b2[:], b1[:], digest[aes.BlockSize:])
	e.block.Encrypt(dst[:aes.BlockSize], b2[:])
}

// padMAC fixes the MAC contribution at 6 bytes so short or long inputs
// cannot shift field boundaries.
func padMAC(mac net.HardwareAddr) []byte {
	out := make([]byte, 6)
	copy(out, mac)
	return out
}

func newNonce() (uint64, error) {
	var b [nonceLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
