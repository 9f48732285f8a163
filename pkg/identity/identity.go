// Package identity manages the node key, the signed node record other peers
// use to reach us, and the short honeytag handle shown in logs and the
// control API.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// Identity holds the secp256k1 node key
type Identity struct {
	key *ecdsa.PrivateKey

	// Cached values
	id       enode.ID
	honeytag string
}

// GenerateIdentity creates a new identity with a fresh key
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate node key")
	}
	return FromKey(key), nil
}

// FromKey wraps an existing private key
func FromKey(key *ecdsa.PrivateKey) *Identity {
	id := &Identity{
		key: key,
		id:  enode.PubkeyToIDV4(&key.PublicKey),
	}
	id.honeytag = computeHoneytag(id.id)
	return id
}

// PrivateKey returns the node's signing key
func (id *Identity) PrivateKey() *ecdsa.PrivateKey {
	return id.key
}

// NodeID returns the keccak256 of the public key, the node's DHT address
func (id *Identity) NodeID() enode.ID {
	return id.id
}

// Honeytag returns the BeeQuint-32 token derived from the node id
func (id *Identity) Honeytag() string {
	return id.honeytag
}

// Handle creates a full handle from the NFC form of nickname and the honeytag
func (id *Identity) Handle(nickname string) string {
	return fmt.Sprintf("%s~%s", norm.NFC.String(nickname), id.Honeytag())
}

// Nickname length bounds, in runes after normalization
const (
	MinNicknameLength = 3
	MaxNicknameLength = 32
)

// NormalizeNickname trims, NFC-normalizes and lowercases nickname. It
// rejects names outside the length bounds and names containing '~' or
// characters other than letters, digits, '-' and '_'.
func NormalizeNickname(nickname string) (string, error) {
	normalized := strings.ToLower(norm.NFC.String(strings.TrimSpace(nickname)))
	n := utf8.RuneCountInString(normalized)
	if n < MinNicknameLength || n > MaxNicknameLength {
		return "", errors.Errorf("nickname must be %d to %d characters", MinNicknameLength, MaxNicknameLength)
	}
	for _, r := range normalized {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return "", errors.Errorf("invalid character %q in nickname", r)
		}
	}
	return normalized, nil
}

// Record builds the signed node record advertising ip and the ports. A zero
// port is left out of the record.
func (id *Identity) Record(seq uint64, ip net.IP, tcpPort, udpPort int) (*enode.Node, error) {
	var r enr.Record
	r.SetSeq(seq)
	if ip != nil {
		r.Set(enr.IP(ip))
	}
	if tcpPort != 0 {
		r.Set(enr.TCP(tcpPort))
	}
	if udpPort != 0 {
		r.Set(enr.UDP(udpPort))
	}
	if err := enode.SignV4(&r, id.key); err != nil {
		return nil, errors.Wrap(err, "failed to sign node record")
	}
	return enode.New(enode.ValidSchemes, &r)
}

// computeHoneytag generates the BeeQuint-32 token
func computeHoneytag(nodeID enode.ID) string {
	// fp32 = first 32 bits of BLAKE3(node id)
	hasher := blake3.New(32, nil)
	hasher.Write(nodeID[:])
	hash := hasher.Sum(nil)

	fp32 := uint32(hash[0])<<24 | uint32(hash[1])<<16 | uint32(hash[2])<<8 | uint32(hash[3])
	return encodeBeeQuint32(fp32)
}

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aeiou"
)

// encodeBeeQuint32 encodes a 32-bit value as two proquints joined by '-'
func encodeBeeQuint32(value uint32) string {
	encodeQuint := func(val uint16) string {
		result := make([]byte, 5)
		result[0] = consonants[(val>>12)&0x0F]
		result[1] = vowels[(val>>10)&0x03]
		result[2] = consonants[(val>>6)&0x0F]
		result[3] = vowels[(val>>4)&0x03]
		result[4] = consonants[val&0x0F]
		return string(result)
	}
	return encodeQuint(uint16(value>>16)) + "-" + encodeQuint(uint16(value&0xFFFF))
}

// decodeBeeQuint32 decodes a BeeQuint-32 token back to a 32-bit value
func decodeBeeQuint32(token string) (uint32, error) {
	parts := strings.Split(token, "-")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid honeytag format: expected two parts separated by '-'")
	}

	decodeQuint := func(quint string) (uint16, error) {
		if len(quint) != 5 {
			return 0, fmt.Errorf("invalid quint length: expected 5, got %d", len(quint))
		}
		shifts := [5]uint{12, 10, 6, 4, 0}
		var result uint16
		for i, char := range quint {
			alphabet := consonants
			if i%2 == 1 {
				alphabet = vowels
			}
			val := strings.IndexRune(alphabet, char)
			if val == -1 || (i%2 == 1 && val > 3) {
				return 0, fmt.Errorf("invalid character %c at position %d", char, i)
			}
			result |= uint16(val) << shifts[i]
		}
		return result, nil
	}

	high, err := decodeQuint(parts[0])
	if err != nil {
		return 0, errors.Wrap(err, "failed to decode high quint")
	}
	low, err := decodeQuint(parts[1])
	if err != nil {
		return 0, errors.Wrap(err, "failed to decode low quint")
	}
	return uint32(high)<<16 | uint32(low), nil
}

// ValidateHoneytag checks that honeytag was derived from nodeID
func ValidateHoneytag(nodeID enode.ID, honeytag string) error {
	if _, err := decodeBeeQuint32(honeytag); err != nil {
		return err
	}
	if expected := computeHoneytag(nodeID); expected != honeytag {
		return fmt.Errorf("honeytag %s does not match node %s (expected %s)", honeytag, nodeID.TerminalString(), expected)
	}
	return nil
}

// SaveToFile writes the private key as hex to filename
func (id *Identity) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}
	if err := crypto.SaveECDSA(filename, id.key); err != nil {
		return errors.Wrap(err, "failed to write node key")
	}
	return nil
}

// LoadFromFile loads an identity saved by SaveToFile
func LoadFromFile(filename string) (*Identity, error) {
	key, err := crypto.LoadECDSA(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read node key")
	}
	return FromKey(key), nil
}

// LoadOrCreate loads the key at filename, generating and saving one if the
// file does not exist
func LoadOrCreate(filename string) (*Identity, error) {
	if _, err := os.Stat(filename); err == nil {
		return LoadFromFile(filename)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to stat node key")
	}
	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, err
	}
	return id, nil
}
