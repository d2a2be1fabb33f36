package broker

import (
	"fmt"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func connect(t *testing.T, address, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + address)
	opts.SetClientID(id)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "connect timed out")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(250) })
	return client
}

func TestBroker_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}

	b := New("127.0.0.1", freePort(t), zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, b.Start())
	defer b.Close()

	assert.Error(t, b.Start(), "second start must fail")

	sub := connect(t, b.Address(), "sub")
	received := make(chan string, 1)
	token := sub.Subscribe("modbus/response", 0, func(_ mqtt.Client, msg mqtt.Message) {
		received <- string(msg.Payload())
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	pub := connect(t, b.Address(), "pub")
	token = pub.Publish("modbus/response", 0, false, "99001 OK 100")
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case payload := <-received:
		assert.Equal(t, "99001 OK 100", payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBroker_CloseIdempotent(t *testing.T) {
	b := New("127.0.0.1", 0, zerolog.Nop())
	assert.Equal(t, "127.0.0.1:0", b.Address())
	assert.NoError(t, b.Close())
}

func TestBroker_ListenError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	b := New("127.0.0.1", port, zerolog.Nop())
	err = b.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("listen on 127.0.0.1:%d", port))
}
