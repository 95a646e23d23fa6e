// Package store persists node state to a CBOR file: serial number, device
// configuration, join credentials and data point values.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sweeney/sleepy-node/internal/device"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// SerialLength is the length of a serial number in bytes.
const SerialLength = 6

// Errors returned by File.
var (
	ErrNoSerial      = errors.New("no serial number stored")
	ErrInvalidSerial = errors.New("serial number must be 12 hex digits")
)

// Reset levels accepted by ResetDevice.
const (
	// ResetRestart leaves storage untouched.
	ResetRestart = 1
	// ResetFactory clears the installation identifier and data point values
	// but keeps the individual address.
	ResetFactory = 2
	// ResetAddress clears the individual address only.
	ResetAddress = 3
	// ResetFactoryAll clears all device configuration.
	ResetFactoryAll = 7
)

// State is the persisted node state.
// Integer keys keep the file compact.
type State struct {
	Version    int             `cbor:"1,keyasint"`
	SavedAt    time.Time       `cbor:"2,keyasint,omitempty"`
	Serial     []byte          `cbor:"3,keyasint,omitempty"`
	IID        uint64          `cbor:"4,keyasint,omitempty"`
	IA         uint16          `cbor:"5,keyasint,omitempty"`
	Broker     string          `cbor:"6,keyasint,omitempty"`
	Username   string          `cbor:"7,keyasint,omitempty"`
	Password   string          `cbor:"8,keyasint,omitempty"`
	DataPoints map[string]bool `cbor:"9,keyasint,omitempty"`
}

// stateEncMode encodes deterministically so unchanged state produces an
// identical file.
var stateEncMode cbor.EncMode

var stateDecMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	stateEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create state CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthAllowed,
	}
	stateDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create state CBOR decoder mode: %v", err))
	}
}

// File is a State persisted to a single file. Every mutation is written
// through before it returns.
type File struct {
	mu    sync.Mutex
	path  string
	state State
	now   func() time.Time
}

// Open loads the state at path. A missing file yields empty state.
func Open(path string) (*File, error) {
	f := &File{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := stateDecMode.Unmarshal(data, &f.state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Snapshot returns a copy of the stored state.
func (f *File) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

func (s State) clone() State {
	c := s
	c.Serial = append([]byte(nil), s.Serial...)
	if s.DataPoints != nil {
		c.DataPoints = make(map[string]bool, len(s.DataPoints))
		for k, v := range s.DataPoints {
			c.DataPoints[k] = v
		}
	}
	return c
}

// save writes s atomically.
func (f *File) save(s State) error {
	data, err := stateEncMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// update applies fn to a copy of the state and keeps the copy only once it
// is on disk, so a failed write leaves memory matching the file.
func (f *File) update(fn func(s *State)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.state.clone()
	fn(&next)
	next.Version = StateVersion
	next.SavedAt = f.now().UTC()
	if err := f.save(next); err != nil {
		return err
	}
	f.state = next
	return nil
}

// SerialNumber returns the stored serial as 12 uppercase hex digits.
func (f *File) SerialNumber() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.state.Serial) != SerialLength {
		return "", ErrNoSerial
	}
	return strings.ToUpper(hex.EncodeToString(f.state.Serial)), nil
}

// SetSerialNumber stores a serial given as 12 hex digits.
func (f *File) SetSerialNumber(serial string) error {
	b, err := hex.DecodeString(serial)
	if err != nil || len(b) != SerialLength {
		return fmt.Errorf("%q: %w", serial, ErrInvalidSerial)
	}
	return f.update(func(s *State) { s.Serial = b })
}

// DeviceConfig returns the installation identifier and individual address.
func (f *File) DeviceConfig() (iid uint64, ia uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.IID, f.state.IA
}

// SetDeviceConfig stores the installation identifier and individual address.
func (f *File) SetDeviceConfig(iid uint64, ia uint16) error {
	return f.update(func(s *State) {
		s.IID = iid
		s.IA = ia
	})
}

// Credentials returns the stored join credentials.
func (f *File) Credentials() (device.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return device.Credentials{
		Broker:   f.state.Broker,
		Username: f.state.Username,
		Password: f.state.Password,
	}, nil
}

// SetCredentials stores join credentials.
func (f *File) SetCredentials(c device.Credentials) error {
	return f.update(func(s *State) {
		s.Broker = c.Broker
		s.Username = c.Username
		s.Password = c.Password
	})
}

// EraseCredentials deletes the join credentials.
func (f *File) EraseCredentials() error {
	return f.update(func(s *State) {
		s.Broker = ""
		s.Username = ""
		s.Password = ""
	})
}

// ResetDevice clears device configuration according to level.
// Unknown levels below ResetFactoryAll behave like ResetFactory.
func (f *File) ResetDevice(level int) error {
	switch {
	case level <= ResetRestart:
		return nil
	case level == ResetAddress:
		return f.update(func(s *State) { s.IA = 0 })
	case level >= ResetFactoryAll:
		return f.update(func(s *State) {
			s.IID = 0
			s.IA = 0
			s.DataPoints = nil
		})
	default:
		return f.update(func(s *State) {
			s.IID = 0
			s.DataPoints = nil
		})
	}
}

// DataPoint returns the stored value of a data point.
func (f *File) DataPoint(url string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.state.DataPoints[url]
	return v, ok
}

// SetDataPoint stores the value of a data point.
func (f *File) SetDataPoint(url string, value bool) error {
	return f.update(func(s *State) {
		if s.DataPoints == nil {
			s.DataPoints = make(map[string]bool)
		}
		s.DataPoints[url] = value
	})
}

// Clear wipes everything except the serial number.
func (f *File) Clear() error {
	return f.update(func(s *State) {
		*s = State{Serial: s.Serial}
	})
}
