package record

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
)

const (
	CodeInvalidRecord xerrors.Code = "INVALID_RECORD"
	CodeURITooLong    xerrors.Code = "METADATA_TOO_LONG"
)

var (
	// ErrInvalidRecord 表示记录字节无法按预期布局解码。
	ErrInvalidRecord = xerrors.New(CodeInvalidRecord, "record data does not match its schema")
	// ErrURITooLong 表示引用字符串超过 200 字节。
	ErrURITooLong = xerrors.New(CodeURITooLong, "reference string exceeds 200 bytes")
)

func init() {
	xerrors.Register(CodeInvalidRecord, xerrors.Attributes{
		Message:  "record data does not match its schema",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeURITooLong, xerrors.Attributes{
		Message:  "reference string exceeds 200 bytes",
		Severity: xerrors.SeverityInfo,
	})
}

// CheckURI 校验有界字符串的长度。
func CheckURI(uri string) error {
	if len(uri) > MaxURILength {
		return xerrors.New(CodeURITooLong, fmt.Sprintf("reference is %d bytes, limit is %d", len(uri), MaxURILength))
	}
	return nil
}

// KindOf 根据判别符识别记录类型。
func KindOf(data []byte) (Kind, bool) {
	if len(data) < DiscriminatorLength {
		return "", false
	}
	for _, kind := range []Kind{KindTreasury, KindIdentity, KindReputation, KindValidation} {
		disc := kind.Discriminator()
		if bytes.Equal(data[:DiscriminatorLength], disc[:]) {
			return kind, true
		}
	}
	return "", false
}

type writer struct {
	buf []byte
}

func newWriter(kind Kind, space int) *writer {
	w := &writer{buf: make([]byte, 0, space)}
	disc := kind.Discriminator()
	w.buf = append(w.buf, disc[:]...)
	return w
}

func (w *writer) address(a address.Address) { w.buf = append(w.buf, a.Bytes()...) }
func (w *writer) fixed(b [32]byte)          { w.buf = append(w.buf, b[:]...) }
func (w *writer) u8(v uint8)                { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)              { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u64(v uint64)              { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)               { w.u64(uint64(v)) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) str(s string) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// padded 将结果补零到记录的固定空间。
func (w *writer) padded(space int) []byte {
	if len(w.buf) < space {
		w.buf = append(w.buf, make([]byte, space-len(w.buf))...)
	}
	return w.buf
}

type reader struct {
	data []byte
	off  int
	err  error
}

func newReader(kind Kind, data []byte) *reader {
	r := &reader{data: data}
	disc := kind.Discriminator()
	if len(data) < DiscriminatorLength || !bytes.Equal(data[:DiscriminatorLength], disc[:]) {
		r.err = xerrors.New(CodeInvalidRecord, fmt.Sprintf("discriminator mismatch for %s", kind))
		return r
	}
	r.off = DiscriminatorLength
	return r
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = xerrors.New(CodeInvalidRecord, fmt.Sprintf("record truncated at offset %d", r.off))
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) address() address.Address {
	var a address.Address
	if b := r.take(32); b != nil {
		copy(a[:], b)
	}
	return a
}

func (r *reader) fixed() [32]byte {
	var out [32]byte
	if b := r.take(32); b != nil {
		copy(out[:], b)
	}
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = xerrors.New(CodeInvalidRecord, "invalid boolean byte")
		}
		return false
	}
}

func (r *reader) str(limit int) string {
	b := r.take(4)
	if b == nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(b)
	if int(n) > limit {
		r.err = xerrors.New(CodeInvalidRecord, fmt.Sprintf("string length %d exceeds %d", n, limit))
		return ""
	}
	return string(r.take(int(n)))
}

// Encode 序列化金库记录。
func (t *Treasury) Encode() []byte {
	w := newWriter(KindTreasury, TreasurySpace)
	w.address(t.Authority)
	w.u64(t.TotalCollected)
	w.u8(t.Bump)
	return w.padded(TreasurySpace)
}

// DecodeTreasury 解析金库记录。
func DecodeTreasury(data []byte) (*Treasury, error) {
	r := newReader(KindTreasury, data)
	t := &Treasury{
		Authority:      r.address(),
		TotalCollected: r.u64(),
		Bump:           r.u8(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return t, nil
}

// Encode 序列化身份记录。
func (i *Identity) Encode() ([]byte, error) {
	if err := CheckURI(i.MetadataURI); err != nil {
		return nil, err
	}
	w := newWriter(KindIdentity, IdentitySpace)
	w.address(i.Owner)
	w.str(i.MetadataURI)
	w.i64(i.CreatedAt)
	w.u8(i.Bump)
	return w.padded(IdentitySpace), nil
}

// DecodeIdentity 解析身份记录。
func DecodeIdentity(data []byte) (*Identity, error) {
	r := newReader(KindIdentity, data)
	i := &Identity{
		Owner:       r.address(),
		MetadataURI: r.str(MaxURILength),
		CreatedAt:   r.i64(),
		Bump:        r.u8(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return i, nil
}

// Encode 序列化声誉记录。
func (p *Reputation) Encode() []byte {
	w := newWriter(KindReputation, ReputationSpace)
	w.address(p.Identity)
	w.u64(p.TotalInteractions)
	w.u64(p.PositiveFeedback)
	w.u64(p.NegativeFeedback)
	w.u16(p.Score)
	w.i64(p.LastUpdated)
	w.u8(p.Bump)
	return w.padded(ReputationSpace)
}

// DecodeReputation 解析声誉记录。
func DecodeReputation(data []byte) (*Reputation, error) {
	r := newReader(KindReputation, data)
	p := &Reputation{
		Identity:          r.address(),
		TotalInteractions: r.u64(),
		PositiveFeedback:  r.u64(),
		NegativeFeedback:  r.u64(),
		Score:             r.u16(),
		LastUpdated:       r.i64(),
		Bump:              r.u8(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Encode 序列化验证记录。
func (v *Validation) Encode() ([]byte, error) {
	if err := CheckURI(v.EvidenceURI); err != nil {
		return nil, err
	}
	w := newWriter(KindValidation, ValidationSpace)
	w.address(v.Identity)
	w.address(v.Validator)
	w.fixed(v.TaskHash)
	w.boolean(v.Passed)
	w.str(v.EvidenceURI)
	w.i64(v.Timestamp)
	w.u8(v.Bump)
	return w.padded(ValidationSpace), nil
}

// DecodeValidation 解析验证记录。
func DecodeValidation(data []byte) (*Validation, error) {
	r := newReader(KindValidation, data)
	v := &Validation{
		Identity:    r.address(),
		Validator:   r.address(),
		TaskHash:    r.fixed(),
		Passed:      r.boolean(),
		EvidenceURI: r.str(MaxURILength),
		Timestamp:   r.i64(),
		Bump:        r.u8(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}
