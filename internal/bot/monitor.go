package bot

import "time"

// StartMonitor arms the periodic monitor. It runs
// until stop is closed. Certain events (a device disconnecting) also
// advance the monitor manually via kickMonitor.
func (t *Tracker) StartMonitor(stop <-chan struct{}) {
	ticker := time.NewTicker(MonitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.runMonitorOnce()
			case <-stop:
				return
			}
		}
	}()
}

// runMonitorOnce iterates all tracked objects once: devices that
// should be connected get a Connect attempt; characteristics with
// deferred work get their retries.
func (t *Tracker) runMonitorOnce() {
	for _, o := range t.allObjects() {
		if o.Device != nil {
			t.monitorDevice(o.Device)
		}
		if o.Char != nil {
			t.monitorChar(o.Char)
		}
	}
}

// monitorDevice reconnects any known device that is not connected and
// either has a bound node or has not proven pairing-unsupported.
func (t *Tracker) monitorDevice(d *DeviceState) {
	t.mu.Lock()
	connected := d.Connected
	wanted := d.Node != nil || d.PairingSupport != PairingUnsupported
	pairing := d.Pairing != PairingReady
	ctl := d.Control
	t.mu.Unlock()

	if connected || !wanted || pairing || ctl == nil {
		return
	}
	go func() {
		if err := ctl.Connect(); err != nil {
			logger.WithError(err).WithField("path", d.Path).Debug("monitor reconnect failed")
		}
	}()
}

// monitorChar retries deferred characteristic work: prop registration
// first, then a pending write, else a pending read.
func (t *Tracker) monitorChar(c *CharacteristicState) {
	t.mu.Lock()
	pendingAdd := c.PendingPropAdd
	pendingWrite := c.PendingWrite
	pendingRead := c.PendingRead
	t.mu.Unlock()

	if pendingAdd {
		t.tryPropAdd(c)
	}
	if pendingWrite {
		t.mu.Lock()
		data, done := c.pendingWriteData, c.pendingWriteDone
		c.pendingWriteData, c.pendingWriteDone = nil, nil
		c.PendingWrite = false
		t.mu.Unlock()
		t.requestWrite(c, data, done)
	} else if pendingRead {
		t.requestRead(c)
	}
}
