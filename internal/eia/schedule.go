package eia

import (
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Schedule TLV tags. A schedule value is a base64-encoded stream of
// [tag:1][len:1][payload] entries; multi-byte integers are big-endian.
const (
	tlvVersion  = 0x01
	tlvStart    = 0x02 // uint32, UTC seconds
	tlvEnd      = 0x03 // uint32, UTC seconds
	tlvInterval = 0x04 // uint32, seconds between fires
	tlvPropName = 0x05 // UTF-8 property name
	tlvPropInt  = 0x06 // int32 property value
	tlvPropBool = 0x07 // 1 byte
	tlvPropStr  = 0x08 // UTF-8
)

// ScheduleArg is the routing object persisted alongside a gateway
// schedule: at least the node address, plus the property routing tuple.
type ScheduleArg struct {
	Address      string `json:"address"`
	SubdeviceKey string `json:"subdevice_key,omitempty"`
	TemplateKey  string `json:"template_key,omitempty"`
	Name         string `json:"name,omitempty"`
}

// scheduleAction is the decoded payload of one schedule: when to fire
// and the property value to apply.
type scheduleAction struct {
	start    time.Time
	end      time.Time
	interval time.Duration
	propName string
	val      value.Value
	hasVal   bool
}

// decodeScheduleTLV parses a base64 TLV stream.
func decodeScheduleTLV(b64 string) (*scheduleAction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "eia: schedule base64 decode")
	}
	a := &scheduleAction{}
	for i := 0; i+2 <= len(raw); {
		tag := raw[i]
		length := int(raw[i+1])
		i += 2
		if i+length > len(raw) {
			return nil, errors.New("eia: schedule TLV truncated")
		}
		payload := raw[i : i+length]
		i += length
		switch tag {
		case tlvVersion:
			// informational
		case tlvStart:
			if length != 4 {
				return nil, errors.New("eia: schedule start TLV malformed")
			}
			a.start = time.Unix(int64(binary.BigEndian.Uint32(payload)), 0).UTC()
		case tlvEnd:
			if length != 4 {
				return nil, errors.New("eia: schedule end TLV malformed")
			}
			a.end = time.Unix(int64(binary.BigEndian.Uint32(payload)), 0).UTC()
		case tlvInterval:
			if length != 4 {
				return nil, errors.New("eia: schedule interval TLV malformed")
			}
			a.interval = time.Duration(binary.BigEndian.Uint32(payload)) * time.Second
		case tlvPropName:
			a.propName = string(payload)
		case tlvPropInt:
			if length != 4 {
				return nil, errors.New("eia: schedule int value TLV malformed")
			}
			a.val = value.Int32(int32(binary.BigEndian.Uint32(payload)))
			a.hasVal = true
		case tlvPropBool:
			if length != 1 {
				return nil, errors.New("eia: schedule bool value TLV malformed")
			}
			a.val = value.Bool(payload[0] != 0)
			a.hasVal = true
		case tlvPropStr:
			a.val = value.String(string(payload))
			a.hasVal = true
		default:
			// Unknown tags are skipped for forward compatibility.
		}
	}
	if a.start.IsZero() {
		return nil, errors.New("eia: schedule has no start time")
	}
	return a, nil
}

// nextFire computes the next fire time at or after now, or zero when
// the schedule is exhausted.
func (a *scheduleAction) nextFire(now time.Time) time.Time {
	if !now.After(a.start) {
		return a.start
	}
	if a.interval <= 0 {
		return time.Time{} // one-shot, already past
	}
	elapsed := now.Sub(a.start)
	n := elapsed / a.interval
	if elapsed%a.interval != 0 {
		n++
	}
	next := a.start.Add(n * a.interval)
	if !a.end.IsZero() && next.After(a.end) {
		return time.Time{}
	}
	return next
}

// ScheduleApplier receives a firing schedule's property value as if a
// cloud-originated property update had arrived; the
// gateway glue routes it through the node manager and echoes a
// property_response.
type ScheduleApplier interface {
	ApplyScheduledValue(arg *ScheduleArg, propName string, v value.Value)
}

// schedule is one named, armed schedule.
type schedule struct {
	Name    string
	Raw     string          // base64 TLV, persisted verbatim
	Arg     *ScheduleArg
	action  *scheduleAction
	timer   *time.Timer
	gateway bool
}

// Scheduler owns the schedule set, arming one timer per schedule and
// persisting through the config store.
type Scheduler struct {
	mu        sync.Mutex
	schedules map[string]*schedule
	applier   ScheduleApplier
	store     *Store
	now       func() time.Time
}

// NewScheduler builds a scheduler over the given applier and store.
// store may be nil (tests).
func NewScheduler(applier ScheduleApplier, store *Store) *Scheduler {
	return &Scheduler{
		schedules: make(map[string]*schedule),
		applier:   applier,
		store:     store,
		now:       time.Now,
	}
}

// Update installs or replaces a schedule from its base64 TLV value and
// optional routing arg, re-arming its timer and persisting the set.
func (s *Scheduler) Update(name, b64 string, arg *ScheduleArg) error {
	action, err := decodeScheduleTLV(b64)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if old, ok := s.schedules[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	sc := &schedule{Name: name, Raw: b64, Arg: arg, action: action, gateway: arg != nil && arg.Address != ""}
	s.schedules[name] = sc
	s.armLocked(sc)
	s.mu.Unlock()
	s.persist()
	return nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	if sc, ok := s.schedules[name]; ok {
		if sc.timer != nil {
			sc.timer.Stop()
		}
		delete(s.schedules, name)
	}
	s.mu.Unlock()
	s.persist()
}

// armLocked arms the schedule's timer for its next fire. Caller holds
// s.mu.
func (s *Scheduler) armLocked(sc *schedule) {
	next := sc.action.nextFire(s.now().UTC())
	if next.IsZero() {
		logger.WithField("schedule", sc.Name).Debug("schedule exhausted")
		return
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	sc.timer = time.AfterFunc(delay, func() { s.fire(sc) })
}

// fire applies the schedule's embedded property value and re-arms for
// the next interval.
func (s *Scheduler) fire(sc *schedule) {
	if sc.action.hasVal && s.applier != nil {
		s.applier.ApplyScheduledValue(sc.Arg, sc.action.propName, sc.action.val)
	}
	s.mu.Lock()
	if _, still := s.schedules[sc.Name]; still && sc.action.interval > 0 {
		s.armLocked(sc)
	}
	s.mu.Unlock()
}

// Load reinstalls persisted schedules from the store.
func (s *Scheduler) Load() error {
	if s.store == nil {
		return nil
	}
	prop, gateway, err := s.store.LoadSchedules()
	if err != nil {
		return err
	}
	for _, rec := range append(prop, gateway...) {
		action, err := decodeScheduleTLV(rec.Value)
		if err != nil {
			logger.WithError(err).WithField("schedule", rec.Name).Warn("persisted schedule decode failed")
			continue
		}
		s.mu.Lock()
		sc := &schedule{Name: rec.Name, Raw: rec.Value, Arg: rec.Arg, action: action, gateway: rec.Arg != nil && rec.Arg.Address != ""}
		s.schedules[rec.Name] = sc
		s.armLocked(sc)
		s.mu.Unlock()
	}
	return nil
}

// persist saves the full schedule set through the store.
func (s *Scheduler) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	var prop, gateway []ScheduleRecord
	for _, sc := range s.schedules {
		rec := ScheduleRecord{Name: sc.Name, Value: sc.Raw, Arg: sc.Arg}
		if sc.gateway {
			gateway = append(gateway, rec)
		} else {
			prop = append(prop, rec)
		}
	}
	s.mu.Unlock()
	if err := s.store.SaveSchedules(prop, gateway); err != nil {
		logger.WithError(err).Warn("schedule persistence save failed")
	}
}
