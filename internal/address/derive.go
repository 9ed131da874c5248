// Package address derives the deterministic locations of registry records.
//
// A derived address is keccak256(seeds ‖ bump ‖ program id ‖ marker). Only
// candidates that are not the x-coordinate of a secp256k1 point are accepted,
// so no private key can ever control a record address. The bump is probed
// from 255 downwards and the first accepted value is the canonical one.
package address

import (
	"crypto/ecdsa"
	"math/big"

	xerrors "SAID-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address 是记录与主体共用的 32 字节地址。
type Address = common.Hash

const (
	// MaxSeeds 限制单次派生可使用的种子数量。
	MaxSeeds = 16
	// MaxSeedLength 限制单个种子的字节长度。
	MaxSeedLength = 32
)

// 命名空间种子，逐字节固定。
var (
	SeedTreasury   = []byte("treasury")
	SeedAgent      = []byte("agent")
	SeedReputation = []byte("reputation")
	SeedValidation = []byte("validation")
)

var derivedMarker = []byte("ProgramDerivedAddress")

const (
	CodeDerivationExhausted xerrors.Code = "DERIVATION_EXHAUSTED"
	CodeInvalidSeeds        xerrors.Code = "INVALID_SEEDS"
	CodeAddressOnCurve      xerrors.Code = "ADDRESS_ON_CURVE"
)

var (
	// ErrDerivationExhausted 表示 256 个 bump 均落在曲线上。
	ErrDerivationExhausted = xerrors.New(CodeDerivationExhausted, "no viable bump seed found")
	// ErrInvalidSeeds 表示种子数量或长度超出限制。
	ErrInvalidSeeds = xerrors.New(CodeInvalidSeeds, "invalid derivation seeds")
	// ErrOnCurve 表示给定 bump 派生出的候选地址落在曲线上。
	ErrOnCurve = xerrors.New(CodeAddressOnCurve, "derived address lies on the secp256k1 curve")
)

func init() {
	xerrors.Register(CodeDerivationExhausted, xerrors.Attributes{
		Message:  "no viable bump seed found",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidSeeds, xerrors.Attributes{
		Message:  "invalid derivation seeds",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAddressOnCurve, xerrors.Attributes{
		Message:  "derived address lies on the secp256k1 curve",
		Severity: xerrors.SeverityInfo,
	})
}

// Derive 返回规范地址以及找到它时使用的 bump。
func Derive(programID Address, seeds ...[]byte) (Address, uint8, error) {
	if err := checkSeeds(len(seeds)+1, seeds); err != nil {
		return Address{}, 0, err
	}
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateWithBump(programID, uint8(bump), seeds...)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if err != ErrOnCurve {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrDerivationExhausted
}

// CreateWithBump 使用已保存的 bump 重新计算地址，不做探测。
func CreateWithBump(programID Address, bump uint8, seeds ...[]byte) (Address, error) {
	if err := checkSeeds(len(seeds)+1, seeds); err != nil {
		return Address{}, err
	}
	parts := make([][]byte, 0, len(seeds)+3)
	parts = append(parts, seeds...)
	parts = append(parts, []byte{bump}, programID.Bytes(), derivedMarker)
	candidate := crypto.Keccak256Hash(parts...)
	if isOnCurve(candidate) {
		return Address{}, ErrOnCurve
	}
	return candidate, nil
}

// Verify 检查地址是否等于用给定 bump 与种子重新派生的结果。
func Verify(programID Address, addr Address, bump uint8, seeds ...[]byte) bool {
	derived, err := CreateWithBump(programID, bump, seeds...)
	if err != nil {
		return false
	}
	return derived == addr
}

func checkSeeds(count int, seeds [][]byte) error {
	if count > MaxSeeds {
		return ErrInvalidSeeds
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return ErrInvalidSeeds
		}
	}
	return nil
}

var (
	curveP     = crypto.S256().Params().P
	curveB     = crypto.S256().Params().B
	legendreEx = new(big.Int).Rsh(new(big.Int).Sub(curveP, big.NewInt(1)), 1)
)

// isOnCurve reports whether the hash, read as a big-endian x-coordinate,
// has a matching y on secp256k1 (y² = x³ + 7).
func isOnCurve(h Address) bool {
	x := new(big.Int).SetBytes(h.Bytes())
	if x.Cmp(curveP) >= 0 {
		return false
	}
	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	rhs.Add(rhs, curveB)
	rhs.Mod(rhs, curveP)
	if rhs.Sign() == 0 {
		return true
	}
	return new(big.Int).Exp(rhs, legendreEx, curveP).Cmp(big.NewInt(1)) == 0
}

// Treasury 返回单例金库记录的地址。
func Treasury(programID Address) (Address, uint8, error) {
	return Derive(programID, SeedTreasury)
}

// Identity 返回 owner 对应的身份记录地址。
func Identity(programID Address, owner Address) (Address, uint8, error) {
	return Derive(programID, SeedAgent, owner.Bytes())
}

// Reputation 返回身份对应的声誉记录地址。
func Reputation(programID Address, identity Address) (Address, uint8, error) {
	return Derive(programID, SeedReputation, identity.Bytes())
}

// Validation 返回 (身份, 任务哈希) 对应的验证记录地址。
func Validation(programID Address, identity Address, taskHash [32]byte) (Address, uint8, error) {
	return Derive(programID, SeedValidation, identity.Bytes(), taskHash[:])
}

// PrincipalFromPublicKey 将 secp256k1 公钥映射为 32 字节主体地址。
func PrincipalFromPublicKey(pub *ecdsa.PublicKey) Address {
	return crypto.Keccak256Hash(crypto.FromECDSAPub(pub)[1:])
}

// DefaultProgramID 是未配置时使用的程序标识。
func DefaultProgramID() Address {
	return crypto.Keccak256Hash([]byte("said"))
}
