package teeworker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
	"github.com/xuperchain/teeworker/kernel/engines"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/def"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/indirect"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/shielding"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/stf"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
	"github.com/xuperchain/teeworker/lib/metrics"
)

const testShardHex = "0000000000000000000000000000000000000000000000000000000000000001"

const testWorkerConf = `
ready_limit: 64
pending_limit: 64
ban_time: 1m
workers: 2
queue_capacity: 8
submit_filter: all
broadcast_filter: direct
block_interval: 20ms
metadata_file: metadata.yaml
kv_engine: leveldb
rsa_bits: 2048
shards:
  - "` + testShardHex + `"
`

// 复用仓库conf目录下的metadata
func setupEnv(t *testing.T, workerConf string) *xconf.EnvConf {
	root := t.TempDir()
	confDir := filepath.Join(root, "conf")
	require.NoError(t, os.MkdirAll(confDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "worker.yaml"), []byte(workerConf), 0644))

	md, err := os.ReadFile("../../../conf/metadata.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "metadata.yaml"), md, 0644))

	envCfg := xconf.GetDefEnvConf()
	envCfg.RootPath = root
	return envCfg
}

func newTestEngine(t *testing.T, envCfg *xconf.EnvConf) *TeeWorkerEngine {
	eng := NewTeeWorkerEngine()
	require.NoError(t, eng.Init(envCfg))
	return eng.(*TeeWorkerEngine)
}

func runEngine(eng *TeeWorkerEngine) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		eng.Run()
		close(done)
	}()
	return done
}

func testShard(t *testing.T) top.ShardIdentifier {
	shard, err := top.ShardFromHex(testShardHex)
	require.NoError(t, err)
	return shard
}

func encryptRequest(t *testing.T, eng *TeeWorkerEngine, shard top.ShardIdentifier, plain []byte) *top.Request {
	pub, err := eng.ShieldingPublicKey()
	require.NoError(t, err)
	cipher, err := pub.Encrypt(plain)
	require.NoError(t, err)
	return &top.Request{Shard: shard, Cyphertext: cipher}
}

func TestEngineConvert(t *testing.T) {
	_, err := EngineConvert(nil)
	assert.Error(t, err)

	eng := newTestEngine(t, setupEnv(t, testWorkerConf))
	defer eng.Exit()

	conv, err := EngineConvert(eng)
	require.NoError(t, err)
	require.NotNil(t, conv.GetEngineCtx())
	assert.Equal(t, 2, conv.GetEngineCtx().EngCfg.Workers)
	assert.Equal(t, 20*time.Millisecond, conv.GetEngineCtx().EngCfg.BlockInterval)
	assert.Contains(t, engines.Engines(), def.BCEngineName)
}

func TestEngineInit(t *testing.T) {
	envCfg := setupEnv(t, testWorkerConf)
	eng := newTestEngine(t, envCfg)

	shard := testShard(t)
	assert.Equal(t, []top.ShardIdentifier{shard}, eng.state.ListShards())

	pub, err := eng.ShieldingPublicKey()
	require.NoError(t, err)
	raw, err := json.Marshal(pub)
	require.NoError(t, err)
	assert.Equal(t, [32]byte(top.Blake2b256(raw)), eng.Mrenclave())
	enclave := eng.enclave.Identity()
	eng.Exit()
	eng.Exit()

	// 重启后密钥、enclave账户和度量值保持不变
	reloaded := newTestEngine(t, envCfg)
	defer reloaded.Exit()
	assert.Equal(t, eng.Mrenclave(), reloaded.Mrenclave())
	assert.True(t, enclave.Equal(reloaded.enclave.Identity()))
	assert.Equal(t, []top.ShardIdentifier{shard}, reloaded.state.ListShards())
}

func TestEngineInitErrors(t *testing.T) {
	cases := []struct {
		name string
		conf string
	}{
		{"bad mrenclave", testWorkerConf + "mrenclave: \"zz\"\n"},
		{"bad shard", "rsa_bits: 2048\nshards:\n  - \"01\"\n"},
		{"bad filter", "rsa_bits: 2048\nsubmit_filter: some\n"},
		{"missing metadata", "rsa_bits: 2048\nmetadata_file: none.yaml\n"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			eng := NewTeeWorkerEngine()
			assert.Error(t, eng.Init(setupEnv(t, tt.conf)))
		})
	}

	envCfg := xconf.GetDefEnvConf()
	envCfg.RootPath = t.TempDir()
	assert.Error(t, NewTeeWorkerEngine().Init(envCfg))
}

func TestEngineExecutesSubmittedCall(t *testing.T) {
	eng := newTestEngine(t, setupEnv(t, testWorkerConf))
	done := runEngine(eng)

	shard := testShard(t)
	user, err := top.NewEd25519Signer(append(make([]byte, 31), 7))
	require.NoError(t, err)
	call, err := top.NewTrustedCall(stf.MethodNoop, user.Identity(), nil)
	require.NoError(t, err)
	signed, err := call.Sign(user, 0, eng.Mrenclave(), shard)
	require.NoError(t, err)
	raw, err := signed.IntoOperation(top.KindDirectCall).Encode()
	require.NoError(t, err)

	req := encryptRequest(t, eng, shard, raw)
	hash, err := eng.SubmitTop(context.Background(), req.Encode())
	require.NoError(t, err)
	assert.False(t, hash.IsZero())

	// 出块后nonce推进，记录移出pool
	assert.Eventually(t, func() bool {
		nonce, err := eng.state.AccountNonce(shard, user.Identity())
		return err == nil && nonce == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return eng.GetStatus(shard).ReadyCount == 0
	}, 5*time.Second, 10*time.Millisecond)

	eng.Exit()
	<-done
}

func TestEngineParentchainAndSignature(t *testing.T) {
	eng := newTestEngine(t, setupEnv(t, testWorkerConf))
	done := runEngine(eng)
	defer func() {
		eng.Exit()
		<-done
	}()

	relayer, err := top.NewEd25519Signer(append(make([]byte, 31), 9))
	require.NoError(t, err)

	md, err := indirect.LoadNodeMetadata(eng.engCtx.EnvCfg.GenConfFilePath("metadata.yaml"))
	require.NoError(t, err)
	index, err := md.CallIndexes(indirect.PalletBitacross, indirect.CallAddRelayer)
	require.NoError(t, err)
	ext := indirect.EncodeExtrinsic(index, indirect.EncodeArgs(&indirect.AddRelayer{Account: relayer.Identity()}), nil)

	block := &indirect.ParentchainBlock{Number: 1, Extrinsics: [][]byte{ext}}
	require.NoError(t, eng.ImportParentchainBlock(context.Background(), block))
	assert.Eventually(t, func() bool {
		return eng.relayers.ContainsKey(relayer.Identity())
	}, 5*time.Second, 10*time.Millisecond)

	respKey, err := shielding.GenerateAesKey()
	require.NoError(t, err)
	shard := testShard(t)
	direct := &top.DirectCall{
		Method:  top.DirectSignEthereum,
		Sender:  relayer.Identity(),
		AesKey:  respKey.Bytes(),
		Payload: make([]byte, 32),
	}
	signedDirect, err := direct.Sign(relayer, eng.Mrenclave(), shard)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := eng.RequestSignature(ctx, encryptRequest(t, eng, shard, signedDirect.Encode()))
	require.NoError(t, err)
	sig, err := respKey.Decrypt(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func TestEngineMigrateShard(t *testing.T) {
	eng := newTestEngine(t, setupEnv(t, testWorkerConf))
	defer eng.Exit()

	shard := testShard(t)
	newShard := top.ShardIdentifier{0x42}
	user, err := top.NewEd25519Signer(append(make([]byte, 31), 8))
	require.NoError(t, err)
	_, err = eng.state.IncAccountNonce(shard, user.Identity())
	require.NoError(t, err)

	call, err := top.NewTrustedCall(stf.MethodNoop, user.Identity(), nil)
	require.NoError(t, err)
	signed, err := call.Sign(user, 1, eng.Mrenclave(), shard)
	require.NoError(t, err)
	raw, err := signed.IntoOperation(top.KindDirectCall).Encode()
	require.NoError(t, err)
	hash, err := eng.SubmitTop(context.Background(), encryptRequest(t, eng, shard, raw).Encode())
	require.NoError(t, err)

	assert.Error(t, eng.MigrateShard(top.ShardIdentifier{0x43}, newShard))
	assert.Equal(t, 1, eng.GetStatus(shard).ReadyCount)

	require.NoError(t, eng.MigrateShard(shard, newShard))
	assert.Equal(t, []top.ShardIdentifier{newShard}, eng.state.ListShards())
	assert.Equal(t, []top.ShardIdentifier{newShard}, eng.GetShards())
	assert.True(t, eng.pool.Contains(newShard, hash))
	assert.Equal(t, top.PoolStatus{ReadyCount: 1}, eng.GetStatus(newShard))
	nonce, err := eng.state.AccountNonce(newShard, user.Identity())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TopPoolSizeGauge.WithLabelValues(newShard.String())))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.TopPoolSizeGauge.WithLabelValues(shard.String())))

	// 旧shard不再接受请求
	_, err = eng.SubmitTop(context.Background(), encryptRequest(t, eng, shard, raw).Encode())
	assert.Equal(t, common.KindInvalidShard, common.KindOf(err))
}

func TestImportAfterExit(t *testing.T) {
	eng := newTestEngine(t, setupEnv(t, testWorkerConf))
	done := runEngine(eng)
	eng.Exit()
	<-done

	err := eng.ImportParentchainBlock(context.Background(), &indirect.ParentchainBlock{Number: 1})
	assert.Error(t, err)
	assert.Error(t, eng.ImportParentchainBlock(context.Background(), nil))

	// Exit之后Run直接返回
	eng.Run()
}
