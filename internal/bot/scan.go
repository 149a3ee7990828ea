package bot

import (
	"sort"
	"time"
)

// scanListMax bounds the published scan list.
const scanListMax = 20

// ScanResult is one entry of the published scan list.
type ScanResult struct {
	Addr string
	Name string
	RSSI int16
	Type string
}

// singleUUIDTypes is tried first; one advertised UUID matching any
// entry wins immediately.
var singleUUIDTypes = []struct {
	uuid string
	typ  string
}{
	{"2899fe00-c277-48a8-91cb-b29ab0f01ac4", "Grillright"},
	{"0000fe28-0000-1000-8000-00805f9b34fb", "AylaPowered"},
}

// multiUUIDTypes is tried second: every UUID in the group must be
// present among the device's advertised UUIDs (the MagicBlue bulb
// advertises all three).
var multiUUIDTypes = []struct {
	uuids []string
	typ   string
}{
	{
		uuids: []string{
			"0000fff0-0000-1000-8000-00805f9b34fb",
			"0000ffe5-0000-1000-8000-00805f9b34fb",
			"0000ffe0-0000-1000-8000-00805f9b34fb",
		},
		typ: "MagicBlue",
	},
}

// oemModels maps a single advertised UUID straight to an OEM model
// name, used once a device is actually bound to a Node.
var oemModels = []struct {
	uuid  string
	model string
}{
	{"0000ffe5-0000-1000-8000-00805f9b34fb", "MagicBlue"},
	{"2899fe00-c277-48a8-91cb-b29ab0f01ac4", "Grillright"},
	{"0000fe28-0000-1000-8000-00805f9b34fb", "AylaPowered"},
}

// inferDeviceType implements the type inference: a fixed
// ordered single-UUID list runs first, then a multi-UUID "match all"
// list; first match wins. Returns "" if no rule matches.
func inferDeviceType(uuids []string) string {
	for _, u := range uuids {
		for _, rule := range singleUUIDTypes {
			if u == rule.uuid {
				return rule.typ
			}
		}
	}
	for _, rule := range multiUUIDTypes {
		if uuidSetContainsAll(uuids, rule.uuids) {
			return rule.typ
		}
	}
	return ""
}

// inferOEMModel picks the OEM model: first single-UUID match wins.
func inferOEMModel(uuids []string) string {
	for _, u := range uuids {
		for _, rule := range oemModels {
			if u == rule.uuid {
				return rule.model
			}
		}
	}
	return ""
}

func uuidSetContainsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// publishScanResult inserts or updates
// addr in the bounded, RSSI-descending scan list (preserving identity
// on update rather than appending a duplicate), then republishes the
// whole list to the configured ScanPublisher, throttled to once per
// ScanPublishThrottle.
func (t *Tracker) publishScanResult(addr, name string, rssi int16, typ string) {
	t.mu.Lock()
	idx := -1
	for i, r := range t.scanList {
		if r.Addr == addr {
			idx = i
			break
		}
	}
	entry := ScanResult{Addr: addr, Name: name, RSSI: rssi, Type: typ}
	if idx >= 0 {
		t.scanList = append(t.scanList[:idx], t.scanList[idx+1:]...)
	}
	t.scanList = append(t.scanList, entry)
	sort.SliceStable(t.scanList, func(i, j int) bool { return t.scanList[i].RSSI > t.scanList[j].RSSI })
	if len(t.scanList) > scanListMax {
		t.scanList = t.scanList[:scanListMax]
	}
	enabled := t.discoveryEnabled
	due := time.Since(t.lastScanPublish) >= ScanPublishThrottle
	var snapshot []ScanResult
	if enabled && due && t.scan != nil {
		snapshot = append(snapshot, t.scanList...)
		t.lastScanPublish = time.Now()
	}
	t.mu.Unlock()

	if snapshot != nil {
		t.scan.PublishScanResults(snapshot)
	}
}
