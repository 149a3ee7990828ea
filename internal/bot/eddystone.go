package bot

import (
	eddystone "github.com/suapapa/go_eddystone"
)

// eddystoneSvcUUID is the Eddystone service UUID beacons advertise
// their frames under in ServiceData.
const eddystoneSvcUUID = "0000feaa-0000-1000-8000-00805f9b34fb"

// Eddystone frame-type header bytes.
const (
	eddystoneFrameUID byte = 0x00
	eddystoneFrameURL byte = 0x10
	eddystoneFrameTLM byte = 0x20
	eddystoneFrameEID byte = 0x30
)

// inferEddystoneType classifies an Eddystone ServiceData payload into
// a scan-result type name, extending the UUID rule tables with
// beacon-frame inspection. Returns "" for an empty or unrecognized
// frame.
func inferEddystoneType(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	frame := eddystone.Frame(data)
	switch data[0] {
	case eddystoneFrameUID:
		logger.WithField("frame", frame.String()).Debug("eddystone UID beacon")
		return "EddystoneUID"
	case eddystoneFrameURL:
		logger.WithField("frame", frame.String()).Debug("eddystone URL beacon")
		return "EddystoneURL"
	case eddystoneFrameTLM:
		return "EddystoneTLM"
	case eddystoneFrameEID:
		return "EddystoneEID"
	default:
		return ""
	}
}
