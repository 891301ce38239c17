package top

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/xuperchain/teeworker/lib/utils"
)

// ShardIdentifier 分片标识，每个分片对应一份隔离的状态
type ShardIdentifier [32]byte

// Hash blake2b-256 hash of an encoded trusted operation
type Hash [32]byte

// HexBytes encodes as a 0x prefixed hex string in json
type HexBytes []byte

func Blake2b256(data ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash) String() string {
	return utils.F(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := utils.DecodeHex32(string(text))
	if err != nil {
		return fmt.Errorf("invalid hash: %v", err)
	}
	*h = raw
	return nil
}

func HashFromHex(str string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(str))
	return h, err
}

func HashFromBytes(raw []byte) (Hash, error) {
	var h Hash
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (s ShardIdentifier) String() string {
	return utils.F(s[:])
}

func (s ShardIdentifier) Bytes() []byte {
	return s[:]
}

func (s ShardIdentifier) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ShardIdentifier) UnmarshalText(text []byte) error {
	raw, err := utils.DecodeHex32(string(text))
	if err != nil {
		return fmt.Errorf("invalid shard: %v", err)
	}
	*s = raw
	return nil
}

func ShardFromHex(str string) (ShardIdentifier, error) {
	var s ShardIdentifier
	err := s.UnmarshalText([]byte(str))
	return s, err
}

func ShardFromBytes(raw []byte) (ShardIdentifier, error) {
	var s ShardIdentifier
	if len(raw) != len(s) {
		return s, fmt.Errorf("invalid shard length %d", len(raw))
	}
	copy(s[:], raw)
	return s, nil
}

func (b HexBytes) String() string {
	return utils.F(b)
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	raw, err := utils.DecodeHex(str)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}
