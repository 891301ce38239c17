package top

import (
	"bytes"
	"fmt"
)

type IdentityType string

const (
	IdentitySubstrate IdentityType = "substrate"
	IdentityEvm       IdentityType = "evm"
	IdentityBitcoin   IdentityType = "bitcoin"
)

// Identity 账户身份。substrate为32字节ed25519公钥，evm为20字节地址，bitcoin为33字节压缩公钥
type Identity struct {
	Type    IdentityType `json:"type"`
	Address HexBytes     `json:"address"`
}

func NewIdentity(typ IdentityType, address []byte) Identity {
	addr := make([]byte, len(address))
	copy(addr, address)
	return Identity{Type: typ, Address: addr}
}

func (i Identity) Validate() error {
	want := 0
	switch i.Type {
	case IdentitySubstrate:
		want = 32
	case IdentityEvm:
		want = 20
	case IdentityBitcoin:
		want = 33
	default:
		return fmt.Errorf("unknown identity type %q", i.Type)
	}
	if len(i.Address) != want {
		return fmt.Errorf("invalid %s address length %d", i.Type, len(i.Address))
	}
	return nil
}

func (i Identity) Equal(rhs Identity) bool {
	return i.Type == rhs.Type && bytes.Equal(i.Address, rhs.Address)
}

// Key is a stable map/db key of the identity
func (i Identity) Key() string {
	return string(i.Type) + ":" + i.Address.String()
}

func (i Identity) String() string {
	return i.Key()
}
