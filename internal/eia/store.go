package eia

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/ayla-edge/gatewayd/internal/nm"
)

// ScheduleRecord is one persisted schedule: {name, value, arg?} where
// value is a base64 TLV stream.
type ScheduleRecord struct {
	Name  string       `json:"name"`
	Value string       `json:"value"`
	Arg   *ScheduleArg `json:"arg,omitempty"`
}

// configFile is the runtime config document: the "nodes" key plus the
// two schedule keys.
type configFile struct {
	Nodes            []nodeRecordJSON `json:"nodes"`
	PropSchedules    []ScheduleRecord `json:"prop_schedules,omitempty"`
	GatewaySchedules []ScheduleRecord `json:"gateway_schedules,omitempty"`
}

// nodeRecordJSON is nm.NodeRecord's on-disk shape.
type nodeRecordJSON struct {
	Address         string      `json:"address"`
	Version         string      `json:"version,omitempty"`
	OEMModel        string      `json:"oem_model,omitempty"`
	Interface       int         `json:"interface"`
	Power           int         `json:"power"`
	ManagementState string      `json:"management_state"`
	NetworkBlob     interface{} `json:"network,omitempty"`
	CloudBlob       interface{} `json:"cloud,omitempty"`
}

// Store is the configuration-persistence hook: it
// serializes the full node tree and the schedule set into one JSON
// document in the runtime config dir, written atomically.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore binds the store to <runtimeDir>/gatewayd_conf.json.
func NewStore(runtimeDir string) *Store {
	return &Store{path: filepath.Join(runtimeDir, "gatewayd_conf.json")}
}

var _ nm.Store = (*Store)(nil)

func (s *Store) load() (*configFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &configFile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "eia: config read")
	}
	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, errors.Wrap(err, "eia: config parse")
	}
	return &cf, nil
}

func (s *Store) save(cf *configFile) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return errors.Wrap(err, "eia: config encode")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "eia: config write")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "eia: config rename")
	}
	return nil
}

// SaveNodes implements nm.Store.
func (s *Store) SaveNodes(records []nm.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, err := s.load()
	if err != nil {
		return err
	}
	cf.Nodes = make([]nodeRecordJSON, 0, len(records))
	for _, r := range records {
		cf.Nodes = append(cf.Nodes, nodeRecordJSON{
			Address:         r.Address,
			Version:         r.Version,
			OEMModel:        r.OEMModel,
			Interface:       int(r.Interface),
			Power:           int(r.Power),
			ManagementState: r.ManagementState,
			NetworkBlob:     r.NetworkBlob,
			CloudBlob:       r.CloudBlob,
		})
	}
	return s.save(cf)
}

// LoadNodes implements nm.Store.
func (s *Store) LoadNodes() ([]nm.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]nm.NodeRecord, 0, len(cf.Nodes))
	for _, r := range cf.Nodes {
		out = append(out, nm.NodeRecord{
			Address:         r.Address,
			Version:         r.Version,
			OEMModel:        r.OEMModel,
			Interface:       nm.Interface(r.Interface),
			Power:           nm.Power(r.Power),
			ManagementState: r.ManagementState,
			NetworkBlob:     r.NetworkBlob,
			CloudBlob:       r.CloudBlob,
		})
	}
	return out, nil
}

// SaveSchedules persists both schedule keys.
func (s *Store) SaveSchedules(prop, gateway []ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, err := s.load()
	if err != nil {
		return err
	}
	cf.PropSchedules = prop
	cf.GatewaySchedules = gateway
	return s.save(cf)
}

// LoadSchedules reads both schedule keys.
func (s *Store) LoadSchedules() (prop, gateway []ScheduleRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, err := s.load()
	if err != nil {
		return nil, nil, err
	}
	return cf.PropSchedules, cf.GatewaySchedules, nil
}
