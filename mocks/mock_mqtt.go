// Package mocks provides testify mocks for the interfaces used across go-mmgbridge.
package mocks

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

type testingT interface {
	mock.TestingT
	Cleanup(func())
}

// MockClient is a mock type for the mqtt.Client type.
type MockClient struct {
	mock.Mock
}

// MockClient_Expecter records expectations on MockClient.
type MockClient_Expecter struct {
	mock *mock.Mock
}

// NewMockClient creates a new instance of MockClient and asserts its expectations on cleanup.
func NewMockClient(t testingT) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// EXPECT returns the expecter of the mock.
func (_m *MockClient) EXPECT() *MockClient_Expecter {
	return &MockClient_Expecter{mock: &_m.Mock}
}

// IsConnected provides a mock function.
func (_m *MockClient) IsConnected() bool {
	ret := _m.Called()
	return ret.Bool(0)
}

func (_e *MockClient_Expecter) IsConnected() *mock.Call {
	return _e.mock.On("IsConnected")
}

// IsConnectionOpen provides a mock function.
func (_m *MockClient) IsConnectionOpen() bool {
	ret := _m.Called()
	return ret.Bool(0)
}

func (_e *MockClient_Expecter) IsConnectionOpen() *mock.Call {
	return _e.mock.On("IsConnectionOpen")
}

// Connect provides a mock function.
func (_m *MockClient) Connect() mqtt.Token {
	ret := _m.Called()
	return tokenAt(ret, 0)
}

func (_e *MockClient_Expecter) Connect() *mock.Call {
	return _e.mock.On("Connect")
}

// Disconnect provides a mock function.
func (_m *MockClient) Disconnect(quiesce uint) {
	_m.Called(quiesce)
}

func (_e *MockClient_Expecter) Disconnect(quiesce interface{}) *mock.Call {
	return _e.mock.On("Disconnect", quiesce)
}

// Publish provides a mock function.
func (_m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	ret := _m.Called(topic, qos, retained, payload)
	return tokenAt(ret, 0)
}

func (_e *MockClient_Expecter) Publish(topic, qos, retained, payload interface{}) *mock.Call {
	return _e.mock.On("Publish", topic, qos, retained, payload)
}

// Subscribe provides a mock function.
func (_m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	ret := _m.Called(topic, qos, callback)
	return tokenAt(ret, 0)
}

func (_e *MockClient_Expecter) Subscribe(topic, qos, callback interface{}) *mock.Call {
	return _e.mock.On("Subscribe", topic, qos, callback)
}

// SubscribeMultiple provides a mock function.
func (_m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	ret := _m.Called(filters, callback)
	return tokenAt(ret, 0)
}

func (_e *MockClient_Expecter) SubscribeMultiple(filters, callback interface{}) *mock.Call {
	return _e.mock.On("SubscribeMultiple", filters, callback)
}

// Unsubscribe provides a mock function.
func (_m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	args := make([]interface{}, len(topics))
	for i, topic := range topics {
		args[i] = topic
	}
	ret := _m.Called(args...)
	return tokenAt(ret, 0)
}

func (_e *MockClient_Expecter) Unsubscribe(topics ...interface{}) *mock.Call {
	return _e.mock.On("Unsubscribe", topics...)
}

// AddRoute provides a mock function.
func (_m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	_m.Called(topic, callback)
}

func (_e *MockClient_Expecter) AddRoute(topic, callback interface{}) *mock.Call {
	return _e.mock.On("AddRoute", topic, callback)
}

// OptionsReader provides a mock function.
func (_m *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	ret := _m.Called()
	return ret.Get(0).(mqtt.ClientOptionsReader)
}

func (_e *MockClient_Expecter) OptionsReader() *mock.Call {
	return _e.mock.On("OptionsReader")
}

func tokenAt(ret mock.Arguments, i int) mqtt.Token {
	if ret.Get(i) == nil {
		return nil
	}
	return ret.Get(i).(mqtt.Token)
}

// MockToken is a mock type for the mqtt.Token type.
type MockToken struct {
	mock.Mock
}

// MockToken_Expecter records expectations on MockToken.
type MockToken_Expecter struct {
	mock *mock.Mock
}

// NewMockToken creates a new instance of MockToken and asserts its expectations on cleanup.
func NewMockToken(t testingT) *MockToken {
	m := &MockToken{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// EXPECT returns the expecter of the mock.
func (_m *MockToken) EXPECT() *MockToken_Expecter {
	return &MockToken_Expecter{mock: &_m.Mock}
}

// Wait provides a mock function.
func (_m *MockToken) Wait() bool {
	ret := _m.Called()
	return ret.Bool(0)
}

func (_e *MockToken_Expecter) Wait() *mock.Call {
	return _e.mock.On("Wait")
}

// WaitTimeout provides a mock function.
func (_m *MockToken) WaitTimeout(d time.Duration) bool {
	ret := _m.Called(d)
	return ret.Bool(0)
}

func (_e *MockToken_Expecter) WaitTimeout(d interface{}) *mock.Call {
	return _e.mock.On("WaitTimeout", d)
}

// Done provides a mock function.
func (_m *MockToken) Done() <-chan struct{} {
	ret := _m.Called()
	switch ch := ret.Get(0).(type) {
	case chan struct{}:
		return ch
	case <-chan struct{}:
		return ch
	default:
		return nil
	}
}

func (_e *MockToken_Expecter) Done() *mock.Call {
	return _e.mock.On("Done")
}

// Error provides a mock function.
func (_m *MockToken) Error() error {
	ret := _m.Called()
	return ret.Error(0)
}

func (_e *MockToken_Expecter) Error() *mock.Call {
	return _e.mock.On("Error")
}

// MockMessage is a mock type for the mqtt.Message type.
type MockMessage struct {
	mock.Mock
}

// NewMockMessage creates a new instance of MockMessage and asserts its expectations on cleanup.
func NewMockMessage(t testingT) *MockMessage {
	m := &MockMessage{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Duplicate provides a mock function.
func (_m *MockMessage) Duplicate() bool { return _m.Called().Bool(0) }

// Qos provides a mock function.
func (_m *MockMessage) Qos() byte { return _m.Called().Get(0).(byte) }

// Retained provides a mock function.
func (_m *MockMessage) Retained() bool { return _m.Called().Bool(0) }

// Topic provides a mock function.
func (_m *MockMessage) Topic() string { return _m.Called().String(0) }

// MessageID provides a mock function.
func (_m *MockMessage) MessageID() uint16 { return _m.Called().Get(0).(uint16) }

// Payload provides a mock function.
func (_m *MockMessage) Payload() []byte {
	ret := _m.Called()
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).([]byte)
}

// Ack provides a mock function.
func (_m *MockMessage) Ack() { _m.Called() }
