package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIsExist(t *testing.T) {
	assert.True(t, FileIsExist(GetCurFileDir()))
	assert.False(t, FileIsExist("/path/not/exist/teeworker"))
}

// 并发生成一万个logId，重复率应足够低
func TestGenLogId(t *testing.T) {
	const total = 10000
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ids = make(map[string]struct{}, total)
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := GenLogId()
			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Greater(t, len(ids), total-10)
}

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{name: "prefixed", in: "0x0102", want: []byte{1, 2}},
		{name: "bare", in: "0a0b", want: []byte{10, 11}},
		{name: "odd", in: "0x123", wantErr: true},
		{name: "not hex", in: "zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHex(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeHex32(t *testing.T) {
	var want [32]byte
	want[31] = 0xff
	got, err := DecodeHex32(F(want[:]))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = DecodeHex32("0x01")
	assert.Error(t, err)
}

func TestEncodeUint64(t *testing.T) {
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, EncodeUint64(1))
}
