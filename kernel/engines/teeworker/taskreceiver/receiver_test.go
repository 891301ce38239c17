package taskreceiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/shielding"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/logs"
)

var testShard = top.ShardIdentifier{0x01}

type memState struct{}

func (memState) ShardExists(shard top.ShardIdentifier) bool { return shard == testShard }
func (memState) ListShards() []top.ShardIdentifier          { return []top.ShardIdentifier{testShard} }
func (memState) AccountNonce(top.ShardIdentifier, top.Identity) (uint64, error) {
	return 0, nil
}
func (memState) Mrenclave() [32]byte { return [32]byte{0xaa} }

type mockHandler struct {
	lock     sync.Mutex
	relayers map[string]bool
	calls    int
}

func (t *mockHandler) sign(sender top.Identity, prehash []byte, tag byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.relayers[sender.Key()] {
		return nil, common.ErrNotRelayer
	}
	t.calls++
	return append([]byte{tag}, prehash...), nil
}

func (t *mockHandler) SignEthereum(sender top.Identity, prehash []byte) ([]byte, error) {
	return t.sign(sender, prehash, 'e')
}

func (t *mockHandler) SignBitcoin(sender top.Identity, prehash []byte) ([]byte, error) {
	return t.sign(sender, prehash, 'b')
}

type fixture struct {
	receiver *Receiver
	shield   *shielding.AesKey
	handler  *mockHandler
	signer   *top.Ed25519Signer
}

func newFixture(t *testing.T) *fixture {
	log, err := logs.NewLogger("", "taskreceiver")
	require.NoError(t, err)
	shield, err := shielding.GenerateAesKey()
	require.NoError(t, err)
	signer, err := top.NewEd25519Signer(make([]byte, 32))
	require.NoError(t, err)

	handler := &mockHandler{relayers: map[string]bool{signer.Identity().Key(): true}}
	r, err := NewReceiver(&Config{Workers: 2, QueueSize: 4}, &shielding.StaticKeyRepository{Key: shield},
		memState{}, handler, log)
	require.NoError(t, err)
	return &fixture{receiver: r, shield: shield, handler: handler, signer: signer}
}

func (f *fixture) request(t *testing.T, signer top.CallSigner, method string, aesKey []byte,
	mrenclave [32]byte) *top.Request {
	call := &top.DirectCall{
		Method:  method,
		Sender:  signer.Identity(),
		AesKey:  aesKey,
		Payload: make([]byte, 32),
	}
	signed, err := call.Sign(signer, mrenclave, testShard)
	require.NoError(t, err)
	cipher, err := f.shield.Encrypt(signed.Encode())
	require.NoError(t, err)
	return &top.Request{Shard: testShard, Cyphertext: cipher}
}

func TestHandle(t *testing.T) {
	f := newFixture(t)
	respKey, err := shielding.GenerateAesKey()
	require.NoError(t, err)
	other, err := top.NewEd25519Signer(append(make([]byte, 31), 1))
	require.NoError(t, err)
	mrenclave := memState{}.Mrenclave()

	res := f.receiver.Handle(f.request(t, f.signer, top.DirectSignEthereum, respKey.Bytes(), mrenclave))
	require.NoError(t, res.Err)
	plain, err := respKey.Decrypt(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, byte('e'), plain[0])

	res = f.receiver.Handle(f.request(t, f.signer, top.DirectSignBitcoin, respKey.Bytes(), mrenclave))
	require.NoError(t, res.Err)
	plain, err = respKey.Decrypt(res.Payload)
	require.NoError(t, err)
	assert.Equal(t, byte('b'), plain[0])

	cases := []struct {
		name string
		req  *top.Request
		kind common.ErrorKind
	}{
		{"unknown shard", &top.Request{Shard: top.ShardIdentifier{0x09}, Cyphertext: []byte{1}}, common.KindInvalidShard},
		{"bad cipher", &top.Request{Shard: testShard, Cyphertext: []byte{1, 2, 3}}, common.KindBadFormatDecipher},
		{"wrong mrenclave", f.request(t, f.signer, top.DirectSignEthereum, respKey.Bytes(), [32]byte{0x01}), common.KindInvalidTrustedOperation},
		{"unknown method", f.request(t, f.signer, "sign_solana", respKey.Bytes(), mrenclave), common.KindUnsupportedOperation},
		{"bad aes key", f.request(t, f.signer, top.DirectSignEthereum, []byte{1}, mrenclave), common.KindBadFormat},
		{"not relayer", f.request(t, other, top.DirectSignEthereum, respKey.Bytes(), mrenclave), common.KindUnauthorized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := f.receiver.Handle(c.req)
			require.Error(t, res.Err)
			assert.Equal(t, c.kind, common.KindOf(res.Err))
			assert.Nil(t, res.Payload)
		})
	}
	assert.Equal(t, 2, f.handler.calls)
}

func TestReceiverWorkers(t *testing.T) {
	f := newFixture(t)
	respKey, err := shielding.GenerateAesKey()
	require.NoError(t, err)
	f.receiver.Start()
	f.receiver.Start()

	const n = 10
	results := make([]chan TaskResult, n)
	for i := 0; i < n; i++ {
		results[i] = make(chan TaskResult, 1)
		req := f.request(t, f.signer, top.DirectSignBitcoin, respKey.Bytes(), memState{}.Mrenclave())
		require.NoError(t, f.receiver.Submit(context.Background(), &Task{Request: req, Resp: results[i]}))
	}
	for i := 0; i < n; i++ {
		select {
		case res := <-results[i]:
			assert.NoError(t, res.Err)
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d timeout", i)
		}
	}

	f.receiver.Stop()
	f.receiver.Stop()
	err = f.receiver.Submit(context.Background(), &Task{Request: &top.Request{}, Resp: make(chan TaskResult, 1)})
	assert.Equal(t, ErrReceiverStopped, err)
}

func TestSubmitBlocksUntilCanceled(t *testing.T) {
	f := newFixture(t)
	// 未启动worker，队列满后Submit阻塞
	for i := 0; i < f.receiver.conf.QueueSize; i++ {
		require.NoError(t, f.receiver.Submit(context.Background(),
			&Task{Request: &top.Request{}, Resp: make(chan TaskResult, 1)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.receiver.Submit(ctx, &Task{Request: &top.Request{}, Resp: make(chan TaskResult, 1)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, common.ErrParameter, f.receiver.Submit(context.Background(), &Task{}))

	f.receiver.Stop()
	assert.Len(t, f.receiver.queue, 0)
}

func TestSubmitRacingStop(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var wg sync.WaitGroup
	accepted := make([]chan TaskResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		accepted[i] = make(chan TaskResult, 1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errs[i] = f.receiver.Submit(ctx, &Task{Request: &top.Request{}, Resp: accepted[i]})
		}(i)
	}
	f.receiver.Stop()
	wg.Wait()

	// 入队成功的任务在Stop返回后都已得到应答
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			assert.Equal(t, ErrReceiverStopped, errs[i])
			continue
		}
		select {
		case res := <-accepted[i]:
			assert.Equal(t, ErrReceiverStopped, res.Err)
		default:
			t.Fatalf("task %d accepted but never answered", i)
		}
	}
	assert.Len(t, f.receiver.queue, 0)
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, top.DirectSignEthereum, methodLabel(top.DirectSignEthereum))
	assert.Equal(t, top.DirectSignBitcoin, methodLabel(top.DirectSignBitcoin))
	assert.Equal(t, unknownMethod, methodLabel("sign_solana"))
	assert.Equal(t, unknownMethod, methodLabel(""))
}
