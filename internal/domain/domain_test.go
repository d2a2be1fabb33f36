package domain

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceRegistry(t *testing.T) {
	registry := NewDeviceRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.devices)
	assert.Empty(t, registry.GetAllDevices())
}

func TestRegisterRange(t *testing.T) {
	r := RegisterRange{Start: 35100, Count: 10}

	assert.Equal(t, 35109, r.End())
	assert.Equal(t, "35100-35109", r.String())
	assert.Equal(t, protocol.CommandReadHolding, r.Command())

	r.Function = protocol.CommandReadInput
	assert.Equal(t, "4", r.Command())
}

func TestRecordPoll_Success(t *testing.T) {
	registry := NewDeviceRegistry()
	now := time.Now()

	registry.RecordPoll(&PollResult{
		Seq:      1,
		DeviceID: "0",
		Range:    RegisterRange{Start: 35100, Count: 3},
		Response: &protocol.Response{Cookie: "poll_1_0_35100", Status: protocol.StatusOK, Values: []int{10, 20, 30}},
		At:       now,
	})

	device, found := registry.GetDevice("0")
	require.True(t, found)
	assert.Equal(t, "0", device.ID)
	assert.Equal(t, int64(1), device.Polls)
	assert.Equal(t, int64(0), device.Failures)
	assert.Equal(t, uint64(1), device.LastSeq)
	assert.Equal(t, now, device.LastContact)
	assert.Equal(t, map[int]int{35100: 10, 35101: 20, 35102: 30}, device.Registers)
}

func TestRecordPoll_Fields(t *testing.T) {
	registry := NewDeviceRegistry()

	registry.RecordPoll(&PollResult{
		Seq:      3,
		DeviceID: "inv",
		Response: &protocol.Response{
			Cookie: "1", Status: protocol.StatusOK, Kind: protocol.KindFields,
			Fields: []protocol.Field{{Key: "vpv1", Value: "382.80"}},
		},
		At: time.Now(),
	})

	device, found := registry.GetDevice("inv")
	require.True(t, found)
	assert.Equal(t, "382.80", device.Fields["vpv1"])
}

func TestRecordPoll_Failure(t *testing.T) {
	registry := NewDeviceRegistry()
	first := time.Now()

	registry.RecordPoll(&PollResult{
		Seq: 1, DeviceID: "0",
		Range:    RegisterRange{Start: 1, Count: 1},
		Response: &protocol.Response{Status: protocol.StatusOK, Values: []int{7}},
		At:       first,
	})
	registry.RecordPoll(&PollResult{
		Seq: 2, DeviceID: "0",
		Err: errors.New("no response"),
		At:  first.Add(time.Second),
	})
	registry.RecordPoll(&PollResult{
		Seq: 2, DeviceID: "0",
		Response: &protocol.Response{Status: protocol.StatusErr, Message: "illegal address"},
		At:       first.Add(time.Second),
	})

	device, found := registry.GetDevice("0")
	require.True(t, found)
	assert.Equal(t, int64(3), device.Polls)
	assert.Equal(t, int64(2), device.Failures)
	assert.Equal(t, "illegal address", device.LastError)
	assert.Equal(t, first, device.LastContact, "failures must not move last contact")
	assert.Equal(t, 7, device.Registers[1], "previous values are kept")
}

func TestRecordPoll_IgnoresAnonymous(t *testing.T) {
	registry := NewDeviceRegistry()

	registry.RecordPoll(nil)
	registry.RecordPoll(&PollResult{Seq: 1})

	assert.Empty(t, registry.GetAllDevices())
}

func TestGetDevice_ReturnsCopy(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.RecordPoll(&PollResult{
		DeviceID: "0",
		Range:    RegisterRange{Start: 0, Count: 1},
		Response: &protocol.Response{Status: protocol.StatusOK, Values: []int{1}},
	})

	device, _ := registry.GetDevice("0")
	device.Registers[0] = 999

	again, _ := registry.GetDevice("0")
	assert.Equal(t, 1, again.Registers[0])
}

func TestGetAllDevices_Sorted(t *testing.T) {
	registry := NewDeviceRegistry()
	for _, id := range []string{"b", "c", "a"} {
		registry.RecordPoll(&PollResult{DeviceID: id, Err: errors.New("x")})
	}

	devices := registry.GetAllDevices()
	require.Len(t, devices, 3)
	assert.Equal(t, "a", devices[0].ID)
	assert.Equal(t, "b", devices[1].ID)
	assert.Equal(t, "c", devices[2].ID)

	_, found := registry.GetDevice("missing")
	assert.False(t, found)
}

func TestDeviceRegistry_Concurrent(t *testing.T) {
	registry := NewDeviceRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			registry.RecordPoll(&PollResult{
				Seq:      uint64(seq),
				DeviceID: "0",
				Range:    RegisterRange{Start: seq, Count: 1},
				Response: &protocol.Response{Status: protocol.StatusOK, Values: []int{seq}},
			})
			registry.GetAllDevices()
		}(i)
	}
	wg.Wait()

	device, found := registry.GetDevice("0")
	require.True(t, found)
	assert.Equal(t, int64(50), device.Polls)
	assert.Equal(t, uint64(49), device.LastSeq)
	assert.Len(t, device.Registers, 50)
}

func TestPollResult_OK(t *testing.T) {
	assert.False(t, (&PollResult{}).OK())
	assert.False(t, (&PollResult{Err: errors.New("x"), Response: &protocol.Response{Status: protocol.StatusOK}}).OK())
	assert.False(t, (&PollResult{Response: &protocol.Response{Status: protocol.StatusErr}}).OK())
	assert.True(t, (&PollResult{Response: &protocol.Response{Status: protocol.StatusOK}}).OK())
	assert.Nil(t, (&PollResult{}).Registers())
}
