package state

import "math/bits"

// AccountStorageOverhead 是每条记录在空间之外额外计费的字节数。
const AccountStorageOverhead = 128

const (
	DefaultLamportsPerByteYear uint64 = 3480
	DefaultExemptionYears      uint64 = 2
)

// Rent 描述记录创建时需要预留的最低余额。
type Rent struct {
	LamportsPerByteYear uint64 `json:"lamports_per_byte_year" yaml:"lamports_per_byte_year"`
	ExemptionYears      uint64 `json:"exemption_years" yaml:"exemption_years"`
}

// DefaultRent 返回默认租金参数。
func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: DefaultLamportsPerByteYear, ExemptionYears: DefaultExemptionYears}
}

// MinimumBalance 返回占用 space 字节的记录免租所需的余额，溢出时饱和到最大值。
func (r Rent) MinimumBalance(space int) uint64 {
	if space < 0 {
		space = 0
	}
	hi, perYear := bits.Mul64(uint64(AccountStorageOverhead+space), r.LamportsPerByteYear)
	if hi != 0 {
		return ^uint64(0)
	}
	hi, total := bits.Mul64(perYear, r.ExemptionYears)
	if hi != 0 {
		return ^uint64(0)
	}
	return total
}
