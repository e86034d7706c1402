//go:build test_unit

package responder

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHost struct {
	mock.Mock
}

func (m *mockHost) RegisterService(ctx context.Context, desc ServiceDescriptor) error {
	return m.Called(ctx, desc).Error(0)
}

func (m *mockHost) UnregisterAllServices() error { return m.Called().Error(0) }
func (m *mockHost) Close() error                 { return m.Called().Error(0) }
func (m *mockHost) BoundAddress() net.IP         { return net.IPv4(10, 0, 0, 1) }

func (m *mockHost) SetState(state State) State {
	return m.Called(state).Get(0).(State)
}

func (m *mockHost) CloseSocket() error { return m.Called().Error(0) }
func (m *mockHost) OpenSocket() error  { return m.Called().Error(0) }

func (m *mockHost) InstallListener(l Listener) error {
	return m.Called(l).Error(0)
}

func isLegacyListener(l Listener) bool {
	ql, ok := l.(*queryListener)
	return ok && ql.legacyUnicast
}

func TestPatcherSteps(t *testing.T) {
	h := new(mockHost)
	closing := h.On("SetState", StateClosing).Return(StateProbing).Once()
	closeSock := h.On("CloseSocket").Return(nil).Once().NotBefore(closing)
	openSock := h.On("OpenSocket").Return(nil).Once().NotBefore(closeSock)
	probing := h.On("SetState", StateProbing).Return(StateClosing).Once().NotBefore(openSock)
	h.On("InstallListener", mock.MatchedBy(isLegacyListener)).Return(nil).Once().NotBefore(probing)

	require.NoError(t, NewLegacyUnicastPatcher(nil).Apply(h))
	h.AssertExpectations(t)
}

func TestPatcherAbortsOnFailure(t *testing.T) {
	h := new(mockHost)
	h.On("SetState", StateClosing).Return(StateProbing).Once()
	h.On("CloseSocket").Return(nil).Once()
	h.On("OpenSocket").Return(errors.New("address in use")).Once()

	err := NewLegacyUnicastPatcher(nil).Apply(h)
	assert.ErrorIs(t, err, ErrPatchApplication)
	assert.ErrorContains(t, err, "address in use")

	h.AssertExpectations(t)
	h.AssertNotCalled(t, "InstallListener", mock.Anything)
}

func TestPatcherInstallFailure(t *testing.T) {
	h := new(mockHost)
	h.On("SetState", mock.Anything).Return(StateProbing)
	h.On("CloseSocket").Return(nil)
	h.On("OpenSocket").Return(nil)
	h.On("InstallListener", mock.Anything).Return(errors.New("listener already running"))

	assert.ErrorIs(t, NewLegacyUnicastPatcher(nil).Apply(h), ErrPatchApplication)
}

type opaqueHandle struct{}

func (opaqueHandle) RegisterService(context.Context, ServiceDescriptor) error { return nil }
func (opaqueHandle) UnregisterAllServices() error                             { return nil }
func (opaqueHandle) Close() error                                             { return nil }
func (opaqueHandle) BoundAddress() net.IP                                     { return nil }

func TestPatcherUnsupported(t *testing.T) {
	err := NewLegacyUnicastPatcher(nil).Apply(opaqueHandle{})
	assert.ErrorIs(t, err, ErrPatchApplication)
	assert.ErrorIs(t, err, ErrPatchUnsupported)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "probing", StateProbing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory("bonjour", Options{})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	assert.Equal(t, []string{"avahi", "builtin", "native"}, Backends())
}
