package iface

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/txn"
)

// The mocks below are hand-written in gomock's Controller/Call idiom
// (mockgen is a code-generation step and is not run as part of this
// module's build). Each mirrors the corresponding interface in
// iface.go one method at a time.

// MockLogReader is a gomock-style double for LogReader.
type MockLogReader struct {
	ctrl     *gomock.Controller
	recorder *MockLogReaderRecorder
}

type MockLogReaderRecorder struct{ mock *MockLogReader }

func NewMockLogReader(ctrl *gomock.Controller) *MockLogReader {
	m := &MockLogReader{ctrl: ctrl}
	m.recorder = &MockLogReaderRecorder{m}
	return m
}

func (m *MockLogReader) EXPECT() *MockLogReaderRecorder { return m.recorder }

func (m *MockLogReader) Open(path string) error {
	ret := m.ctrl.Call(m, "Open", path)
	err, _ := ret[0].(error)
	return err
}

func (r *MockLogReaderRecorder) Open(path interface{}) *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Open", reflect.TypeOf((*MockLogReader)(nil).Open), path)
}

func (m *MockLogReader) Close() error {
	ret := m.ctrl.Call(m, "Close")
	err, _ := ret[0].(error)
	return err
}

func (r *MockLogReaderRecorder) Close() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Close", reflect.TypeOf((*MockLogReader)(nil).Close))
}

func (m *MockLogReader) Reset() error {
	ret := m.ctrl.Call(m, "Reset")
	err, _ := ret[0].(error)
	return err
}

func (r *MockLogReaderRecorder) Reset() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Reset", reflect.TypeOf((*MockLogReader)(nil).Reset))
}

func (m *MockLogReader) Seek(pos uint64) error {
	ret := m.ctrl.Call(m, "Seek", pos)
	err, _ := ret[0].(error)
	return err
}

func (r *MockLogReaderRecorder) Seek(pos interface{}) *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Seek", reflect.TypeOf((*MockLogReader)(nil).Seek), pos)
}

func (m *MockLogReader) Pos() uint64 {
	ret := m.ctrl.Call(m, "Pos")
	pos, _ := ret[0].(uint64)
	return pos
}

func (r *MockLogReaderRecorder) Pos() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Pos", reflect.TypeOf((*MockLogReader)(nil).Pos))
}

func (m *MockLogReader) NextHeader() (bool, error) {
	ret := m.ctrl.Call(m, "NextHeader")
	ok, _ := ret[0].(bool)
	err, _ := ret[1].(error)
	return ok, err
}

func (r *MockLogReaderRecorder) NextHeader() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "NextHeader", reflect.TypeOf((*MockLogReader)(nil).NextHeader))
}

func (m *MockLogReader) NextTransaction() (bool, error) {
	ret := m.ctrl.Call(m, "NextTransaction")
	ok, _ := ret[0].(bool)
	err, _ := ret[1].(error)
	return ok, err
}

func (r *MockLogReaderRecorder) NextTransaction() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "NextTransaction", reflect.TypeOf((*MockLogReader)(nil).NextTransaction))
}

func (m *MockLogReader) SkipTransaction() error {
	ret := m.ctrl.Call(m, "SkipTransaction")
	err, _ := ret[0].(error)
	return err
}

func (r *MockLogReaderRecorder) SkipTransaction() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "SkipTransaction", reflect.TypeOf((*MockLogReader)(nil).SkipTransaction))
}

func (m *MockLogReader) TxnHeader() txn.Header {
	ret := m.ctrl.Call(m, "TxnHeader")
	h, _ := ret[0].(txn.Header)
	return h
}

func (r *MockLogReaderRecorder) TxnHeader() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "TxnHeader", reflect.TypeOf((*MockLogReader)(nil).TxnHeader))
}

func (m *MockLogReader) TxnBody() *txn.Transaction {
	ret := m.ctrl.Call(m, "TxnBody")
	t, _ := ret[0].(*txn.Transaction)
	return t
}

func (r *MockLogReaderRecorder) TxnBody() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "TxnBody", reflect.TypeOf((*MockLogReader)(nil).TxnBody))
}

func (m *MockLogReader) SeekGid(gid uint64) (bool, error) {
	ret := m.ctrl.Call(m, "SeekGid", gid)
	ok, _ := ret[0].(bool)
	err, _ := ret[1].(error)
	return ok, err
}

func (r *MockLogReaderRecorder) SeekGid(gid interface{}) *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "SeekGid", reflect.TypeOf((*MockLogReader)(nil).SeekGid), gid)
}

// MockClusterStore is a gomock-style double for ClusterStore.
type MockClusterStore struct {
	ctrl     *gomock.Controller
	recorder *MockClusterStoreRecorder
}

type MockClusterStoreRecorder struct{ mock *MockClusterStore }

func NewMockClusterStore(ctrl *gomock.Controller) *MockClusterStore {
	m := &MockClusterStore{ctrl: ctrl}
	m.recorder = &MockClusterStoreRecorder{m}
	return m
}

func (m *MockClusterStore) EXPECT() *MockClusterStoreRecorder { return m.recorder }

func (m *MockClusterStore) Load() (*cluster.StateCluster, error) {
	ret := m.ctrl.Call(m, "Load")
	sc, _ := ret[0].(*cluster.StateCluster)
	err, _ := ret[1].(error)
	return sc, err
}

func (r *MockClusterStoreRecorder) Load() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Load", reflect.TypeOf((*MockClusterStore)(nil).Load))
}

func (m *MockClusterStore) Save(sc *cluster.StateCluster) error {
	ret := m.ctrl.Call(m, "Save", sc)
	err, _ := ret[0].(error)
	return err
}

func (r *MockClusterStoreRecorder) Save(sc interface{}) *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Save", reflect.TypeOf((*MockClusterStore)(nil).Save), sc)
}

// MockDBHandlePool is a gomock-style double for DBHandlePool.
type MockDBHandlePool struct {
	ctrl     *gomock.Controller
	recorder *MockDBHandlePoolRecorder
}

type MockDBHandlePoolRecorder struct{ mock *MockDBHandlePool }

func NewMockDBHandlePool(ctrl *gomock.Controller) *MockDBHandlePool {
	m := &MockDBHandlePool{ctrl: ctrl}
	m.recorder = &MockDBHandlePoolRecorder{m}
	return m
}

func (m *MockDBHandlePool) EXPECT() *MockDBHandlePoolRecorder { return m.recorder }

func (m *MockDBHandlePool) Take(ctx context.Context) (DBHandleLease, error) {
	ret := m.ctrl.Call(m, "Take", ctx)
	lease, _ := ret[0].(DBHandleLease)
	err, _ := ret[1].(error)
	return lease, err
}

func (r *MockDBHandlePoolRecorder) Take(ctx interface{}) *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Take", reflect.TypeOf((*MockDBHandlePool)(nil).Take), ctx)
}

func (m *MockDBHandlePool) PoolSize() int {
	ret := m.ctrl.Call(m, "PoolSize")
	size, _ := ret[0].(int)
	return size
}

func (r *MockDBHandlePoolRecorder) PoolSize() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "PoolSize", reflect.TypeOf((*MockDBHandlePool)(nil).PoolSize))
}
