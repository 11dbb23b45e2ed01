package internal

import (
	"io"
	"testing"

	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var secretFactory = new(memguard.SecretFactory)

type MockSecret struct {
	mock.Mock
}

func (m *MockSecret) WithBytes(action func([]byte) error) error {
	return m.Called(action).Error(0)
}

func (m *MockSecret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	ret := m.Called(action)

	var bytes []byte
	if b := ret.Get(0); b != nil {
		bytes = b.([]byte)
	}

	return bytes, ret.Error(1)
}

func (m *MockSecret) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *MockSecret) Close() error {
	return m.Called().Error(0)
}

func (m *MockSecret) NewReader() io.Reader {
	return m.Called().Get(0).(io.Reader)
}

func TestNewCryptoKey(t *testing.T) {
	key, err := NewCryptoKey(secretFactory, "alice", []byte("private key material"))
	require.NoError(t, err)

	defer key.Close()

	assert.Equal(t, "alice", key.Principal())
	assert.NotZero(t, key.Loaded())
	assert.False(t, key.IsClosed())

	err = WithKey(key, func(b []byte) error {
		assert.Equal(t, []byte("private key material"), b)
		return nil
	})
	assert.NoError(t, err)
}

func TestCryptoKey_CloseIsIdempotent(t *testing.T) {
	sec := new(MockSecret)
	sec.On("Close").Return(nil).Once()

	key := &CryptoKey{principal: "bob", secret: sec}
	key.Close()
	key.Close()

	sec.AssertNumberOfCalls(t, "Close", 1)
}

func TestCryptoKey_IsClosedWithoutSecret(t *testing.T) {
	key := &CryptoKey{principal: "bob"}

	assert.True(t, key.IsClosed())
	assert.NotPanics(t, key.Close)
}

func TestWithKeyFunc_PropagatesError(t *testing.T) {
	sec := new(MockSecret)
	sec.On("WithBytesFunc", mock.Anything).Return(nil, errors.New("locked"))

	key := &CryptoKey{secret: sec}

	out, err := WithKeyFunc(key, func(b []byte) ([]byte, error) {
		return b, nil
	})
	assert.EqualError(t, err, "locked")
	assert.Nil(t, out)
}
