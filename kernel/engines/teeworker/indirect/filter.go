package indirect

import (
	"fmt"

	"github.com/xuperchain/teeworker/lib/logs"
)

// CallFilter 把原始extrinsic映射为可执行的indirect call
type CallFilter interface {
	FilterIntoWithMetadata(raw []byte, md Metadata) (IndirectCall, bool)
}

type callDecoder func(filter *DefaultFilter, md Metadata, args []byte) (IndirectCall, error)

type callEntry struct {
	pallet  string
	method  string
	decoder callDecoder
}

func decodeInto(newCall func() IndirectCall) callDecoder {
	return func(_ *DefaultFilter, _ Metadata, args []byte) (IndirectCall, error) {
		call := newCall()
		if err := decodeArgs(args, call); err != nil {
			return nil, err
		}
		return call, nil
	}
}

var dispatchTable []callEntry

// dispatchTable在init中赋值，避免与decodeBatch形成初始化循环
func init() {
	dispatchTable = []callEntry{
		{PalletTeebag, CallSetScheduledEnclave, decodeInto(func() IndirectCall { return new(SetScheduledEnclave) })},
		{PalletTeebag, CallRemoveScheduledEnclave, decodeInto(func() IndirectCall { return new(RemoveScheduledEnclave) })},
		{PalletBitacross, CallAddRelayer, decodeInto(func() IndirectCall { return new(AddRelayer) })},
		{PalletBitacross, CallRemoveRelayer, decodeInto(func() IndirectCall { return new(RemoveRelayer) })},
		{PalletBalances, CallShieldFunds, decodeInto(func() IndirectCall { return new(ShieldFunds) })},
		{PalletTeerex, CallCallWorker, decodeInto(func() IndirectCall { return new(CallWorker) })},
		{PalletIdentityManagement, CallLinkIdentity, decodeInto(func() IndirectCall { return new(LinkIdentity) })},
		{PalletVCManagement, CallRequestVC, decodeInto(func() IndirectCall { return new(RequestVC) })},
		{PalletUtility, CallBatchAll, decodeBatch},
	}
}

// DefaultFilter 按metadata中的call index匹配dispatch table
type DefaultFilter struct {
	parser ExtrinsicParser
	log    logs.Logger
}

func NewDefaultFilter(parser ExtrinsicParser, log logs.Logger) *DefaultFilter {
	if parser == nil {
		parser = DefaultParser{}
	}
	return &DefaultFilter{parser: parser, log: log}
}

func (t *DefaultFilter) FilterIntoWithMetadata(raw []byte, md Metadata) (IndirectCall, bool) {
	ext, err := t.parser.Parse(raw)
	if err != nil {
		t.log.Debug("parse extrinsic failed", "err", err)
		return nil, false
	}

	call, err := t.decodeCall(md, ext.CallIndex, ext.CallArgs)
	if err != nil {
		t.log.Warn("decode indirect call failed", "index", fmt.Sprintf("%d/%d", ext.CallIndex[0], ext.CallIndex[1]), "err", err)
		return nil, false
	}
	if call == nil {
		return nil, false
	}
	return call, true
}

// decodeCall 未知index返回nil,nil
func (t *DefaultFilter) decodeCall(md Metadata, index [2]byte, args []byte) (IndirectCall, error) {
	for _, entry := range dispatchTable {
		want, err := md.CallIndexes(entry.pallet, entry.method)
		if err != nil {
			continue
		}
		if want != index {
			continue
		}
		return entry.decoder(t, md, args)
	}
	return nil, nil
}

func decodeBatch(filter *DefaultFilter, md Metadata, args []byte) (IndirectCall, error) {
	var batch batchArgs
	if err := decodeArgs(args, &batch); err != nil {
		return nil, err
	}

	out := &BatchAll{Calls: make([]IndirectCall, 0, len(batch.Calls))}
	for i, raw := range batch.Calls {
		if len(raw) < 2 {
			return nil, fmt.Errorf("batch call %d has no call index", i)
		}
		call, err := filter.decodeCall(md, [2]byte{raw[0], raw[1]}, raw[2:])
		if err != nil {
			return nil, fmt.Errorf("batch call %d: %v", i, err)
		}
		if call == nil {
			return nil, fmt.Errorf("batch call %d has unknown index", i)
		}
		out.Calls = append(out.Calls, call)
	}
	return out, nil
}

// DenyAllFilter 不识别任何call
type DenyAllFilter struct{}

func (DenyAllFilter) FilterIntoWithMetadata(raw []byte, md Metadata) (IndirectCall, bool) {
	return nil, false
}

// SupportedCalls 可识别的call，格式为pallet.method
func SupportedCalls() [][2]string {
	calls := make([][2]string, 0, len(dispatchTable))
	for _, entry := range dispatchTable {
		calls = append(calls, [2]string{entry.pallet, entry.method})
	}
	return calls
}

// CheckMetadata 返回metadata中缺失的call，缺失的call不会被识别
func CheckMetadata(md Metadata, log logs.Logger) []string {
	var missing []string
	for _, entry := range dispatchTable {
		if _, err := md.CallIndexes(entry.pallet, entry.method); err != nil {
			missing = append(missing, entry.pallet+"."+entry.method)
		}
	}
	if len(missing) > 0 && log != nil {
		log.Warn("indirect calls missing in metadata, they will be skipped", "calls", missing)
	}
	return missing
}
