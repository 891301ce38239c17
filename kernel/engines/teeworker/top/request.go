package top

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request 入站请求信封，cyphertext由worker的shielding key加密
type Request struct {
	Shard      ShardIdentifier `json:"shard"`
	Cyphertext HexBytes        `json:"cyphertext"`
}

func (r *Request) Encode() []byte {
	raw, _ := json.Marshal(r)
	return raw
}

func DecodeRequest(raw []byte) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	req := new(Request)
	if err := dec.Decode(req); err != nil {
		return nil, err
	}
	if len(req.Cyphertext) == 0 {
		return nil, fmt.Errorf("empty cyphertext")
	}
	return req, nil
}

const (
	DirectSignBitcoin  = "sign_bitcoin"
	DirectSignEthereum = "sign_ethereum"
)

// DirectCall 由task receiver直接处理、不进入pool的调用
type DirectCall struct {
	Method  string   `json:"method"`
	Sender  Identity `json:"sender"`
	AesKey  HexBytes `json:"aes_key"`
	Payload HexBytes `json:"payload"`
}

type DirectCallSigned struct {
	Call      DirectCall `json:"call"`
	Signature HexBytes   `json:"signature"`
}

func (t *DirectCall) Encode() []byte {
	raw, _ := json.Marshal(t)
	return raw
}

func directCallPayload(call *DirectCall, mrenclave [32]byte, shard ShardIdentifier) []byte {
	digest := Blake2b256(call.Encode(), mrenclave[:], shard[:])
	return digest[:]
}

func (t *DirectCall) Sign(signer CallSigner, mrenclave [32]byte, shard ShardIdentifier) (*DirectCallSigned, error) {
	sig, err := signer.Sign(directCallPayload(t, mrenclave, shard))
	if err != nil {
		return nil, err
	}
	return &DirectCallSigned{Call: *t, Signature: sig}, nil
}

func (t *DirectCallSigned) VerifySignature(mrenclave [32]byte, shard ShardIdentifier) bool {
	return VerifyIdentitySignature(t.Call.Sender, directCallPayload(&t.Call, mrenclave, shard), t.Signature)
}

func (t *DirectCallSigned) Encode() []byte {
	raw, _ := json.Marshal(t)
	return raw
}

func DecodeDirectCallSigned(raw []byte) (*DirectCallSigned, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	call := new(DirectCallSigned)
	if err := dec.Decode(call); err != nil {
		return nil, err
	}
	if call.Call.Method == "" {
		return nil, fmt.Errorf("direct call method is empty")
	}
	if err := call.Call.Sender.Validate(); err != nil {
		return nil, err
	}
	return call, nil
}
