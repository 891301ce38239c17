package engines

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xconf "github.com/xuperchain/teeworker/kernel/common/xconfig"
)

type mockEngine struct {
	initErr error
	inited  bool
}

func (t *mockEngine) Init(*xconf.EnvConf) error {
	t.inited = true
	return t.initErr
}

func (t *mockEngine) Run() {}

func (t *mockEngine) Exit() {}

func TestCreateBCEngine(t *testing.T) {
	Register("mock_ok", func() BCEngine { return &mockEngine{} })
	Register("mock_fail", func() BCEngine { return &mockEngine{initErr: fmt.Errorf("init failed")} })
	assert.Panics(t, func() { Register("mock_ok", func() BCEngine { return &mockEngine{} }) })
	assert.Panics(t, func() { Register("mock_nil", nil) })
	assert.Subset(t, Engines(), []string{"mock_fail", "mock_ok"})

	envCfg := xconf.GetDefEnvConf()
	envCfg.RootPath = t.TempDir()

	eng, err := CreateBCEngine("mock_ok", envCfg)
	require.NoError(t, err)
	assert.True(t, eng.(*mockEngine).inited)

	_, err = CreateBCEngine("mock_fail", envCfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "init failed")
	_, err = CreateBCEngine("unknown", envCfg)
	assert.ErrorIs(t, err, ErrEngineNotExist)
	_, err = CreateBCEngine("", envCfg)
	assert.ErrorIs(t, err, ErrParamUnset)
	_, err = CreateBCEngine("mock_ok", nil)
	assert.ErrorIs(t, err, ErrParamUnset)
}
