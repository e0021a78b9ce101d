package queue

import "sync"

// DeviceLocks records which item holds each physical device.
type DeviceLocks struct {
	mu      sync.Mutex
	holders map[string]int64
}

// NewDeviceLocks creates an empty lock table.
func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{holders: make(map[string]int64)}
}

// TryAcquire takes device for itemID. It succeeds when the device is free
// or already held by the same item.
func (d *DeviceLocks) TryAcquire(device string, itemID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, ok := d.holders[device]; ok {
		return holder == itemID
	}
	d.holders[device] = itemID
	return true
}

// Release frees device if itemID holds it.
func (d *DeviceLocks) Release(device string, itemID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, ok := d.holders[device]; ok && holder == itemID {
		delete(d.holders, device)
	}
}

// Holder returns the item holding device.
func (d *DeviceLocks) Holder(device string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.holders[device]
	return id, ok
}
