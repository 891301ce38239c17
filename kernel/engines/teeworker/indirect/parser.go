package indirect

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	extrinsicVersion  = 0x04
	signedBit         = 0x80
	signedAddressSize = 32
	signedSigSize     = 65
)

// Signature 签名extrinsic的发起地址及签名
type Signature struct {
	Address [signedAddressSize]byte
	Sig     [signedSigSize]byte
}

// ParsedExtrinsic 只解析出call index和参数，参数的解码交给具体call
type ParsedExtrinsic struct {
	CallIndex [2]byte
	CallArgs  []byte
	Signature *Signature
	Raw       []byte
}

// ExtrinsicParser parentchain extrinsic解析器
type ExtrinsicParser interface {
	Parse(raw []byte) (*ParsedExtrinsic, error)
}

// DefaultParser 0x84|0x04, [address(32)+sig(65)], index(2), args
type DefaultParser struct{}

func (t DefaultParser) Parse(raw []byte) (*ParsedExtrinsic, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("empty extrinsic")
	}

	version := raw[0]
	if version&^signedBit != extrinsicVersion {
		return nil, fmt.Errorf("unsupported extrinsic version 0x%02x", version)
	}

	pos := 1
	ext := &ParsedExtrinsic{Raw: raw}
	if version&signedBit != 0 {
		if len(raw) < pos+signedAddressSize+signedSigSize {
			return nil, fmt.Errorf("signed extrinsic too short")
		}
		sig := &Signature{}
		copy(sig.Address[:], raw[pos:pos+signedAddressSize])
		pos += signedAddressSize
		copy(sig.Sig[:], raw[pos:pos+signedSigSize])
		pos += signedSigSize
		ext.Signature = sig
	}

	if len(raw) < pos+2 {
		return nil, fmt.Errorf("extrinsic has no call index")
	}
	ext.CallIndex = [2]byte{raw[pos], raw[pos+1]}
	ext.CallArgs = raw[pos+2:]
	return ext, nil
}

// EncodeExtrinsic build an extrinsic envelope, sig nil means unsigned
func EncodeExtrinsic(index [2]byte, args []byte, sig *Signature) []byte {
	var buf bytes.Buffer
	if sig != nil {
		buf.WriteByte(extrinsicVersion | signedBit)
		buf.Write(sig.Address[:])
		buf.Write(sig.Sig[:])
	} else {
		buf.WriteByte(extrinsicVersion)
	}
	buf.Write(index[:])
	buf.Write(args)
	return buf.Bytes()
}

// EncodeArgs json编码call参数
func EncodeArgs(v interface{}) []byte {
	raw, _ := json.Marshal(v)
	return raw
}

func decodeArgs(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after call args")
	}
	return nil
}
