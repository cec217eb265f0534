package kernel

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// MockCommandExecutor is a mock implementation of the CommandExecutor
// interface.
type MockCommandExecutor struct {
	mock.Mock
}

func (m *MockCommandExecutor) RunCommand(name string, arg ...string) (string, error) {
	callArgs := make([]interface{}, 0, len(arg)+1)
	callArgs = append(callArgs, name)
	for _, a := range arg {
		callArgs = append(callArgs, a)
	}
	args := m.Called(callArgs...)
	return args.String(0), args.Error(1)
}

// MockPinger is a mock implementation of the Pinger interface.
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Echo(dst string, timeout time.Duration) (time.Duration, error) {
	args := m.Called(dst, timeout)
	return args.Get(0).(time.Duration), args.Error(1)
}

// MockWGClient is a mock implementation of the WGClient interface.
type MockWGClient struct {
	mock.Mock
}

func (m *MockWGClient) Dump(iface string) ([]WGPeerStatus, error) {
	args := m.Called(iface)
	if v := args.Get(0); v != nil {
		return v.([]WGPeerStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockWGClient) SetAllowedIPs(iface, publicKey string, cidrs []string) error {
	args := m.Called(iface, publicKey, cidrs)
	return args.Error(0)
}

func (m *MockWGClient) AddPeer(iface string, peer WGPeerConfig) error {
	args := m.Called(iface, peer)
	return args.Error(0)
}

func (m *MockWGClient) RemovePeer(iface, publicKey string) error {
	args := m.Called(iface, publicKey)
	return args.Error(0)
}

func (m *MockWGClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
