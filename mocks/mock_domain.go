package mocks

import (
	"context"

	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock type for the domain.Publisher type.
type MockPublisher struct {
	mock.Mock
}

// MockPublisher_Expecter records expectations on MockPublisher.
type MockPublisher_Expecter struct {
	mock *mock.Mock
}

// NewMockPublisher creates a new instance of MockPublisher and asserts its expectations on cleanup.
func NewMockPublisher(t testingT) *MockPublisher {
	m := &MockPublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// EXPECT returns the expecter of the mock.
func (_m *MockPublisher) EXPECT() *MockPublisher_Expecter {
	return &MockPublisher_Expecter{mock: &_m.Mock}
}

// Publish provides a mock function.
func (_m *MockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	ret := _m.Called(ctx, topic, payload)
	return ret.Error(0)
}

func (_e *MockPublisher_Expecter) Publish(ctx, topic, payload interface{}) *mock.Call {
	return _e.mock.On("Publish", ctx, topic, payload)
}

// MockRegisterClient is a mock type for the domain.RegisterClient type.
type MockRegisterClient struct {
	mock.Mock
}

// MockRegisterClient_Expecter records expectations on MockRegisterClient.
type MockRegisterClient_Expecter struct {
	mock *mock.Mock
}

// NewMockRegisterClient creates a new instance of MockRegisterClient and asserts its expectations on cleanup.
func NewMockRegisterClient(t testingT) *MockRegisterClient {
	m := &MockRegisterClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// EXPECT returns the expecter of the mock.
func (_m *MockRegisterClient) EXPECT() *MockRegisterClient_Expecter {
	return &MockRegisterClient_Expecter{mock: &_m.Mock}
}

// ReadHoldingRegisters provides a mock function.
func (_m *MockRegisterClient) ReadHoldingRegisters(slaveID byte, address, quantity uint16) ([]uint16, error) {
	ret := _m.Called(slaveID, address, quantity)
	return uint16sAt(ret, 0), ret.Error(1)
}

func (_e *MockRegisterClient_Expecter) ReadHoldingRegisters(slaveID, address, quantity interface{}) *mock.Call {
	return _e.mock.On("ReadHoldingRegisters", slaveID, address, quantity)
}

// ReadInputRegisters provides a mock function.
func (_m *MockRegisterClient) ReadInputRegisters(slaveID byte, address, quantity uint16) ([]uint16, error) {
	ret := _m.Called(slaveID, address, quantity)
	return uint16sAt(ret, 0), ret.Error(1)
}

func (_e *MockRegisterClient_Expecter) ReadInputRegisters(slaveID, address, quantity interface{}) *mock.Call {
	return _e.mock.On("ReadInputRegisters", slaveID, address, quantity)
}

// WriteSingleRegister provides a mock function.
func (_m *MockRegisterClient) WriteSingleRegister(slaveID byte, address, value uint16) error {
	ret := _m.Called(slaveID, address, value)
	return ret.Error(0)
}

func (_e *MockRegisterClient_Expecter) WriteSingleRegister(slaveID, address, value interface{}) *mock.Call {
	return _e.mock.On("WriteSingleRegister", slaveID, address, value)
}

// WriteMultipleRegisters provides a mock function.
func (_m *MockRegisterClient) WriteMultipleRegisters(slaveID byte, address uint16, values []uint16) error {
	ret := _m.Called(slaveID, address, values)
	return ret.Error(0)
}

func (_e *MockRegisterClient_Expecter) WriteMultipleRegisters(slaveID, address, values interface{}) *mock.Call {
	return _e.mock.On("WriteMultipleRegisters", slaveID, address, values)
}

// Close provides a mock function.
func (_m *MockRegisterClient) Close() error {
	ret := _m.Called()
	return ret.Error(0)
}

func (_e *MockRegisterClient_Expecter) Close() *mock.Call {
	return _e.mock.On("Close")
}

// MockResultSink is a mock type for the domain.ResultSink type.
type MockResultSink struct {
	mock.Mock
}

// MockResultSink_Expecter records expectations on MockResultSink.
type MockResultSink_Expecter struct {
	mock *mock.Mock
}

// NewMockResultSink creates a new instance of MockResultSink and asserts its expectations on cleanup.
func NewMockResultSink(t testingT) *MockResultSink {
	m := &MockResultSink{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// EXPECT returns the expecter of the mock.
func (_m *MockResultSink) EXPECT() *MockResultSink_Expecter {
	return &MockResultSink_Expecter{mock: &_m.Mock}
}

// Send provides a mock function.
func (_m *MockResultSink) Send(ctx context.Context, result *domain.PollResult) error {
	ret := _m.Called(ctx, result)
	return ret.Error(0)
}

func (_e *MockResultSink_Expecter) Send(ctx, result interface{}) *mock.Call {
	return _e.mock.On("Send", ctx, result)
}

// Connect provides a mock function.
func (_m *MockResultSink) Connect() error {
	ret := _m.Called()
	return ret.Error(0)
}

func (_e *MockResultSink_Expecter) Connect() *mock.Call {
	return _e.mock.On("Connect")
}

// Close provides a mock function.
func (_m *MockResultSink) Close() error {
	ret := _m.Called()
	return ret.Error(0)
}

func (_e *MockResultSink_Expecter) Close() *mock.Call {
	return _e.mock.On("Close")
}

func uint16sAt(ret mock.Arguments, i int) []uint16 {
	if ret.Get(i) == nil {
		return nil
	}
	return ret.Get(i).([]uint16)
}
