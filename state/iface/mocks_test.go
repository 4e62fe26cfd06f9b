package iface

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ultraverse-io/retrostate/state/txn"
)

func TestMockLogReader_SatisfiesInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockLogReader(ctrl)

	m.EXPECT().Open("log.bin").Return(nil)
	m.EXPECT().NextHeader().Return(true, nil)
	m.EXPECT().TxnHeader().Return(txn.Header{Gid: 7})
	m.EXPECT().Close().Return(nil)

	var reader LogReader = m
	require.NoError(t, reader.Open("log.bin"))

	ok, err := reader.NextHeader()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), reader.TxnHeader().Gid)
	assert.NoError(t, reader.Close())
}

func TestMockLogReader_PropagatesError(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockLogReader(ctrl)

	boom := errors.New("disk error")
	m.EXPECT().Open("bad.bin").Return(boom)

	assert.ErrorIs(t, m.Open("bad.bin"), boom)
}

func TestMockClusterStore_SaveThenLoad(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockClusterStore(ctrl)

	m.EXPECT().Save(gomock.Any()).Return(nil)
	m.EXPECT().Load().Return(nil, nil)

	var store ClusterStore = m
	require.NoError(t, store.Save(nil))
	sc, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, sc)
}

func TestMockDBHandlePool_PoolSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockDBHandlePool(ctrl)

	m.EXPECT().PoolSize().Return(8)

	var pool DBHandlePool = m
	assert.Equal(t, 8, pool.PoolSize())
}

func TestMockDBHandlePool_TakeContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockDBHandlePool(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.EXPECT().Take(ctx).Return(nil, context.Canceled)

	_, err := m.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
