// Package poq implements the Property/Op Queue: a FIFO
// of cloud operations with nak/echo/confirm correlation by request id,
// ADS-failure marking and resend on cloud recovery, and a bounded
// file-datapoint transfer queue with exponential backoff.
package poq

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ayla-edge/gatewayd/pkg/value"
)

var logger = log.WithField("component", "poq")

// Opcode tags one queued cloud operation.
type Opcode int

const (
	OpPropSend Opcode = iota
	OpPropResponse
	OpPropRequest
	OpPropRequestAll
	OpPropRequestToDevice
	OpAck
	OpDatapointCreate
	OpDatapointSend
	OpDatapointRequest
	OpDatapointFetched
	OpBatchSend
	OpNodeAdd
	OpNodeUpdate
	OpNodeRemove
	OpNodeConnStatus
)

func (o Opcode) String() string {
	switch o {
	case OpPropSend:
		return "prop_send"
	case OpPropResponse:
		return "prop_response"
	case OpPropRequest:
		return "prop_request"
	case OpPropRequestAll:
		return "prop_request_all"
	case OpPropRequestToDevice:
		return "prop_request_to_dev"
	case OpAck:
		return "ack"
	case OpDatapointCreate:
		return "datapoint_create"
	case OpDatapointSend:
		return "datapoint_send"
	case OpDatapointRequest:
		return "datapoint_request"
	case OpDatapointFetched:
		return "datapoint_fetched"
	case OpBatchSend:
		return "batch_send"
	case OpNodeAdd:
		return "node_add"
	case OpNodeUpdate:
		return "node_update"
	case OpNodeRemove:
		return "node_remove"
	case OpNodeConnStatus:
		return "node_conn_status"
	default:
		return "unknown"
	}
}

// Dest is the destinations bitmask: ADS (the cloud)
// and LAN (local peers reached through the cloud client).
type Dest uint8

const (
	DestADS Dest = 1 << iota
	DestLAN
)

// Metadata limits.
const (
	MetadataMax    = 10
	MetadataKeyMax = 255
)

// Metadata is one key/value pair serialized inline with an op.
type Metadata struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ValidateMetadata enforces: at most MetadataMax pairs,
// keys alphanumeric and at most MetadataKeyMax bytes.
func ValidateMetadata(md []Metadata) error {
	if len(md) > MetadataMax {
		return errors.Errorf("poq: %d metadata pairs exceeds max %d", len(md), MetadataMax)
	}
	for _, m := range md {
		if len(m.Key) == 0 || len(m.Key) > MetadataKeyMax {
			return errors.Errorf("poq: metadata key length %d out of range", len(m.Key))
		}
		for _, r := range m.Key {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return errors.Errorf("poq: metadata key %q is not alphanumeric", m.Key)
			}
		}
	}
	return nil
}

// Options is the per-op options record.
type Options struct {
	Dests Dest
	// Confirm gates whether the caller's confirm callback fires. The
	// transport-level confirmation correlation is unconditional: every
	// op is tracked by request id regardless.
	Confirm   bool
	Echo      bool
	DevTimeMS int64
	Metadata  []Metadata
}

// PropRef addresses one property in the node tree.
type PropRef struct {
	Addr      string `json:"address"`
	Subdevice string `json:"subdevice_key"`
	Template  string `json:"template_key"`
	Name      string `json:"name"`
}

// ConfirmResult is delivered to an op's confirm callback.
type ConfirmResult struct {
	OK    bool
	Err   string
	Dests Dest
}

// Op is one queued cloud operation. The value copy is
// owned by the op; file ops carry a path instead.
type Op struct {
	Code     Opcode
	Prop     PropRef
	Val      value.Value
	FilePath string
	Opts     Options
	// ReqID is assigned when the op is transmitted.
	ReqID uint32
	// RespID carries the originating request id for response ops.
	RespID int
	// Entries is populated for OpBatchSend.
	Entries []*BatchEntry

	OnConfirm func(ConfirmResult)
	OnNak     func(errCode string)
	OnFree    func()
}

// free runs the op's cleanup hook once.
func (o *Op) free() {
	if o.OnFree != nil {
		o.OnFree()
		o.OnFree = nil
	}
}

// confirm invokes the caller's confirm callback if one was requested.
func (o *Op) confirm(r ConfirmResult) {
	if o.Opts.Confirm && o.OnConfirm != nil {
		o.OnConfirm(r)
	}
}

// BatchEntry is one property send inside a batch.
type BatchEntry struct {
	Prop      PropRef     `json:"prop"`
	Val       value.Value `json:"-"`
	DevTimeMS int64       `json:"dev_time_ms"`
}

// Batch is an ordered list of op entries sorted by device timestamp
// with a monotonically assigned id and one shared options record.
type Batch struct {
	ID      int
	Entries []*BatchEntry
	Opts    Options
}

// Append inserts the entry at its sorted position by DevTimeMS
// ascending, preserving insertion order among equal timestamps.
func (b *Batch) Append(e *BatchEntry) {
	i := len(b.Entries)
	for ; i > 0; i-- {
		if b.Entries[i-1].DevTimeMS <= e.DevTimeMS {
			break
		}
	}
	b.Entries = append(b.Entries, nil)
	copy(b.Entries[i+1:], b.Entries[i:])
	b.Entries[i] = e
}
