// Package sensornodetest holds test doubles shared by the driver and
// sequencer tests.
package sensornodetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/mklimuk/sensornode"
)

var _ sensornode.I2CBus = &MockI2CBus{}

// MockI2CBus is a testify mock of sensornode.I2CBus. ReadFromAddr copies the
// first return value into the caller's buffer when it is a byte slice.
type MockI2CBus struct {
	mock.Mock
	concurrentOps int64
	maxConcurrent int64
	mu            sync.Mutex
}

func (m *MockI2CBus) enter() {
	m.mu.Lock()
	concurrent := atomic.AddInt64(&m.concurrentOps, 1)
	if concurrent > atomic.LoadInt64(&m.maxConcurrent) {
		atomic.StoreInt64(&m.maxConcurrent, concurrent)
	}
	m.mu.Unlock()
}

func (m *MockI2CBus) leave() {
	m.mu.Lock()
	atomic.AddInt64(&m.concurrentOps, -1)
	m.mu.Unlock()
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Probe(ctx context.Context, address byte) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MaxConcurrent returns the highest number of overlapping transactions seen.
func (m *MockI2CBus) MaxConcurrent() int64 {
	return atomic.LoadInt64(&m.maxConcurrent)
}

// Reset clears expectations, recorded calls and counters.
func (m *MockI2CBus) Reset() {
	atomic.StoreInt64(&m.concurrentOps, 0)
	atomic.StoreInt64(&m.maxConcurrent, 0)
	m.ExpectedCalls = nil
	m.Calls = nil
}

// Word encodes a big endian word with its Sensirion checksum.
func Word(w uint16) []byte {
	return sensornode.AppendWord(nil, w)
}

// Words concatenates checksummed words.
func Words(ws ...uint16) []byte {
	var out []byte
	for _, w := range ws {
		out = sensornode.AppendWord(out, w)
	}
	return out
}

// MockResettableBus adds a mocked Reset to MockI2CBus.
type MockResettableBus struct {
	MockI2CBus
}

func (m *MockResettableBus) Reset(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
