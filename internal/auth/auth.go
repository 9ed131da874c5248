// Package auth 负责识别请求的调用主体。签名模式下主体是 secp256k1 公钥的
// keccak256 摘要，调用方对请求方法、路径、时间戳与请求体签名。
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 请求头。
const (
	HeaderSignature = "X-SAID-Signature"
	HeaderTimestamp = "X-SAID-Timestamp"
	HeaderPrincipal = "X-SAID-Principal"
)

// Mode 表示认证方式。
type Mode string

const (
	// ModeSignature 要求每个写请求携带 secp256k1 签名。
	ModeSignature Mode = "signature"
	// ModeHeader 直接信任 X-SAID-Principal，仅用于本地开发。
	ModeHeader Mode = "header"
)

// DefaultSkew 是签名时间戳允许的最大偏差。
const DefaultSkew = 5 * time.Minute

var (
	ErrMissingCredentials = xerrors.New(xerrors.CodeUnauthenticated, "missing request credentials")
	ErrInvalidSignature   = xerrors.New(xerrors.CodeUnauthenticated, "invalid request signature")
	ErrStaleRequest       = xerrors.New(xerrors.CodeUnauthenticated, "request timestamp outside the accepted window")
)

// Verifier 从请求中识别调用主体。body 是已读取的完整请求体。
type Verifier interface {
	Authenticate(r *http.Request, body []byte) (address.Address, error)
}

// NewVerifier 根据模式构造 Verifier。
func NewVerifier(mode Mode, skew time.Duration) (Verifier, error) {
	switch Mode(strings.ToLower(string(mode))) {
	case "", ModeSignature:
		return &SignatureVerifier{Skew: skew}, nil
	case ModeHeader:
		return HeaderVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", mode)
	}
}

// SignatureVerifier 通过签名恢复公钥来确定主体。
type SignatureVerifier struct {
	Skew time.Duration
	Now  func() time.Time
}

// Authenticate 实现 Verifier。
func (v *SignatureVerifier) Authenticate(r *http.Request, body []byte) (address.Address, error) {
	rawSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	rawTS := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if rawSig == "" || rawTS == "" {
		return address.Address{}, ErrMissingCredentials
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return address.Address{}, ErrStaleRequest
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	if delta := now().Sub(time.Unix(ts, 0)); delta > skew || delta < -skew {
		return address.Address{}, ErrStaleRequest
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(rawSig, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return address.Address{}, ErrInvalidSignature
	}
	digest := RequestDigest(r.Method, r.URL.RequestURI(), ts, body)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return address.Address{}, ErrInvalidSignature
	}
	return address.PrincipalFromPublicKey(pub), nil
}

// HeaderVerifier 信任请求头中声明的主体。
type HeaderVerifier struct{}

// Authenticate 实现 Verifier。
func (HeaderVerifier) Authenticate(r *http.Request, _ []byte) (address.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderPrincipal))
	if raw == "" {
		return address.Address{}, ErrMissingCredentials
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(decoded) != common.HashLength {
		return address.Address{}, xerrors.New(xerrors.CodeUnauthenticated, "principal must be 32 bytes of hex")
	}
	return common.BytesToHash(decoded), nil
}

// RequestDigest 返回请求签名覆盖的 32 字节摘要。
func RequestDigest(method, requestURI string, timestamp int64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("SAID-REQUEST\n")
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(requestURI)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.Write(crypto.Keccak256(body))
	return crypto.Keccak256(buf.Bytes())
}

// SignRequest 为请求写入签名头。body 必须与实际发送的请求体一致。
func SignRequest(r *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time) error {
	ts := now.Unix()
	sig, err := crypto.Sign(RequestDigest(r.Method, r.URL.RequestURI(), ts, body), key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}
