package services

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"gasless-bridge/internal/config"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces secp256k1 signatures over 32-byte digests without exposing
// key material to the engine. Signatures are 65 bytes, r || s || v with
// v in {0,1} and s in the lower half of the curve order.
type Signer interface {
	// PublicKey returns the uncompressed SEC1 public key (65 bytes, 0x04 prefix).
	PublicKey() []byte
	// EthereumAddress is keccak256(pubkey[1:])[12:], 0x-prefixed lowercase hex.
	EthereumAddress() string
	Sign(ctx context.Context, digest [32]byte) ([]byte, error)
}

// NewSigner builds the configured implementation.
func NewSigner(cfg config.SignerConfig) (Signer, error) {
	switch cfg.Mode {
	case "local":
		return NewLocalSigner(cfg.PrivateKey)
	case "oracle":
		return NewOracleSigner(cfg)
	default:
		return nil, fmt.Errorf("unknown signer mode %q", cfg.Mode)
	}
}

// LocalSigner holds the key in process. Development and test use only.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	pubKey  []byte
	address string
}

func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer private key: %w", err)
	}
	return &LocalSigner{
		key:     key,
		pubKey:  crypto.FromECDSAPub(&key.PublicKey),
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

func (s *LocalSigner) PublicKey() []byte        { return s.pubKey }
func (s *LocalSigner) EthereumAddress() string  { return s.address }

func (s *LocalSigner) Sign(ctx context.Context, digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerRejected, "local signing failed: %v", err)
	}
	return sig, nil
}

// OracleSigner delegates signing to an external threshold signing service.
// The service holds the key shares; this process only sees digests and
// finished signatures.
type OracleSigner struct {
	baseURL    string
	httpClient *http.Client
	pubKey     []byte
	address    string
}

func NewOracleSigner(cfg config.SignerConfig) (*OracleSigner, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	s := &OracleSigner{
		baseURL:    strings.TrimRight(cfg.OracleURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	if err := s.fetchPublicKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OracleSigner) fetchPublicKey() error {
	resp, err := s.httpClient.Get(s.baseURL + "/v1/public-key")
	if err != nil {
		return bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "signing service unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "signing service returned status %d", resp.StatusCode)
	}

	var parsed struct {
		PublicKey string `json:"public_key"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read signer response: %w", err)
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "bad signer response: %v", err)
	}

	pub, err := hexutil.Decode(parsed.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid signer public key: %w", err)
	}
	ecdsaPub, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return fmt.Errorf("invalid signer public key: %w", err)
	}

	s.pubKey = pub
	s.address = strings.ToLower(crypto.PubkeyToAddress(*ecdsaPub).Hex())
	return nil
}

func (s *OracleSigner) PublicKey() []byte       { return s.pubKey }
func (s *OracleSigner) EthereumAddress() string { return s.address }

func (s *OracleSigner) Sign(ctx context.Context, digest [32]byte) ([]byte, error) {
	payload, _ := json.Marshal(map[string]string{"digest": hexutil.Encode(digest[:])})
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/v1/sign", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "signing service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerRejected, "signing service rejected the digest")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "signing service returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Signature string `json:"signature"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sign response: %w", err)
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "bad sign response: %v", err)
	}

	sig, err := hexutil.Decode(parsed.Signature)
	if err != nil || len(sig) != 65 {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerUnavailable, "signing service returned a malformed signature")
	}
	return NormalizeSignature(sig), nil
}

var secp256k1N = crypto.S256().Params().N
var secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

// NormalizeSignature maps v from {27,28} to {0,1} and enforces low-s. The
// recovery bit flips when s is mirrored across the curve order.
func NormalizeSignature(sig []byte) []byte {
	out := make([]byte, 65)
	copy(out, sig)

	if out[64] >= 27 {
		out[64] -= 27
	}

	s := new(big.Int).SetBytes(out[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		s.Sub(secp256k1N, s)
		sBytes := s.FillBytes(make([]byte, 32))
		copy(out[32:64], sBytes)
		out[64] ^= 1
	}
	return out
}
