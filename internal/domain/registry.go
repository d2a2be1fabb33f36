// Package domain provides core domain implementations.
package domain

import (
	"sort"
	"sync"
)

// DeviceRegistry implements the Registry interface.
type DeviceRegistry struct {
	devices map[string]*DeviceInfo
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*DeviceInfo),
	}
}

// RecordPoll adds or updates a device from a poll result.
func (r *DeviceRegistry) RecordPoll(result *PollResult) {
	if result == nil || result.DeviceID == "" {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[result.DeviceID]
	if !exists {
		device = &DeviceInfo{
			ID:        result.DeviceID,
			Registers: make(map[int]int),
			Fields:    make(map[string]string),
		}
		r.devices[result.DeviceID] = device
	}

	device.Polls++
	device.LastPoll = result.At
	if result.Seq > device.LastSeq {
		device.LastSeq = result.Seq
	}

	if !result.OK() {
		device.Failures++
		if result.Err != nil {
			device.LastError = result.Err.Error()
		} else if result.Response != nil {
			device.LastError = result.Response.Message
		}
		return
	}

	device.LastContact = result.At
	device.LastError = ""
	for addr, v := range result.Registers() {
		device.Registers[addr] = v
	}
	for _, f := range result.Response.Fields {
		device.Fields[f.Key] = f.Value
	}
}

// GetDevice retrieves a copy of the information about a device.
func (r *DeviceRegistry) GetDevice(id string) (*DeviceInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	device, exists := r.devices[id]
	if !exists {
		return nil, false
	}

	return device.clone(), true
}

// GetAllDevices returns copies of all devices sorted by id.
func (r *DeviceRegistry) GetAllDevices() []*DeviceInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]*DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, device.clone())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return devices
}

func (d *DeviceInfo) clone() *DeviceInfo {
	c := *d
	c.Registers = make(map[int]int, len(d.Registers))
	for k, v := range d.Registers {
		c.Registers[k] = v
	}
	c.Fields = make(map[string]string, len(d.Fields))
	for k, v := range d.Fields {
		c.Fields[k] = v
	}
	return &c
}
