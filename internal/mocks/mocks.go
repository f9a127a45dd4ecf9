// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Recorder() config.RecorderConfig {
	args := m.Called()
	return args.Get(0).(config.RecorderConfig)
}

func (m *MockConfig) Playback() config.PlaybackConfig {
	args := m.Called()
	return args.Get(0).(config.PlaybackConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool)            { m.Called(b) }
func (m *MockConfig) SetBrowserRemoteURL(u string)         { m.Called(u) }
func (m *MockConfig) SetRecorderMaskSensitiveInput(b bool) { m.Called(b) }
func (m *MockConfig) SetStoreType(t string)                { m.Called(t) }
func (m *MockConfig) SetServerAddr(a string)               { m.Called(a) }

// -- Broadcaster Fake --

// SinkRecorder is a schemas.Broadcaster that keeps every message.
type SinkRecorder struct {
	mu   sync.Mutex
	msgs []schemas.BroadcastMessage
}

func (s *SinkRecorder) Emit(msg schemas.BroadcastMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

// Messages returns a copy of the received messages.
func (s *SinkRecorder) Messages() []schemas.BroadcastMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.BroadcastMessage(nil), s.msgs...)
}

// Types returns the message types in arrival order.
func (s *SinkRecorder) Types() []schemas.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.MessageType, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Type
	}
	return out
}

// OfType returns the messages of type t.
func (s *SinkRecorder) OfType(t schemas.MessageType) []schemas.BroadcastMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schemas.BroadcastMessage
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// -- Repository Mock --

// MockRepository mocks store.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, rec *schemas.Recording) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRepository) Get(ctx context.Context, id string) (*schemas.Recording, error) {
	args := m.Called(ctx, id)
	if rec := args.Get(0); rec != nil {
		return rec.(*schemas.Recording), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) List(ctx context.Context) ([]schemas.RecordingSummary, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]schemas.RecordingSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
