// Package config loads the static NVM topology a platform boots with: the
// devices present, the areas carved out of them, and the partitions each
// area is split into. It turns that declaration into a ready-to-use
// access.Table.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"
	nvmstore "github.com/mdiepart/nvmstore"
	"github.com/mdiepart/nvmstore/access"
	"github.com/mdiepart/nvmstore/device"
	"github.com/mdiepart/nvmstore/device/filedevice"
	"github.com/mdiepart/nvmstore/device/flashdevice"
	"github.com/mdiepart/nvmstore/device/memdevice"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Backend names a device.Device constructor a DeviceSpec can select.
type Backend string

const (
	BackendFlash = Backend("flash")
	BackendFile  = Backend("file")
	BackendMem   = Backend("mem")
)

// PartitionSpec is one entry of an AreaSpec's partition table.
type PartitionSpec struct {
	Offset uint32 `mapstructure:"offset"`
	Size   uint32 `mapstructure:"size"`
}

// AreaSpec declares one named area bound to a device, at a base address,
// split into zero or more partitions.
type AreaSpec struct {
	Name       string          `mapstructure:"name"`
	Device     string          `mapstructure:"device"`
	BaseAddr   uint32          `mapstructure:"base_addr"`
	Size       uint32          `mapstructure:"size"`
	Partitions []PartitionSpec `mapstructure:"partitions"`
}

// DeviceSpec declares one backing device, addressable by name from
// AreaSpec.Device.
type DeviceSpec struct {
	Name      string  `mapstructure:"name"`
	Backend   Backend `mapstructure:"backend"`
	Path      string  `mapstructure:"path"` // BackendFile only
	WriteSize uint32  `mapstructure:"write_size"`
	EraseSize uint32  `mapstructure:"erase_size"`
	TotalSize uint32  `mapstructure:"total_size"`
}

// Spec is the full topology declaration, as read from a config file.
type Spec struct {
	Devices []DeviceSpec `mapstructure:"devices"`
	Areas   []AreaSpec   `mapstructure:"areas"`
}

// Load reads a topology declaration from path (any format viper supports:
// YAML, JSON, TOML, ...) and builds the access.Table it describes.
func Load(path string) (*access.Table, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, nvmstore.ErrIOFailed.Wrap(err)
	}

	var spec Spec
	if err := v.Unmarshal(&spec); err != nil {
		return nil, nvmstore.ErrInvalid.WithMessage("malformed topology config").Wrap(err)
	}

	return Build(spec)
}

// Validate checks that a Spec's topology is internally consistent before any
// device or area is built from it: every area must fit inside the device it
// names, every partition must fit inside its area, and partitions within an
// area must not overlap. Failures are aggregated with go-multierror rather
// than returned one at a time, so a bad topology file is reported in full on
// the first attempt instead of being fixed one error at a time.
func Validate(spec Spec) error {
	var result *multierror.Error

	devicesByName := make(map[string]DeviceSpec, len(spec.Devices))
	for _, ds := range spec.Devices {
		if ds.WriteSize == 0 {
			result = multierror.Append(result, fmt.Errorf("device %s: write_size must be at least 1", ds.Name))
		}
		if ds.TotalSize == 0 {
			result = multierror.Append(result, fmt.Errorf("device %s: total_size must be at least 1", ds.Name))
		}
		if ds.EraseSize != 0 && ds.WriteSize != 0 && ds.EraseSize%ds.WriteSize != 0 {
			result = multierror.Append(result, fmt.Errorf(
				"device %s: erase_size (%d) is not a multiple of write_size (%d)", ds.Name, ds.EraseSize, ds.WriteSize))
		}
		devicesByName[ds.Name] = ds
	}

	for _, as := range spec.Areas {
		dev, ok := devicesByName[as.Device]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("area %s: references unknown device %s", as.Name, as.Device))
			continue
		}

		if uint64(as.BaseAddr)+uint64(as.Size) > uint64(dev.TotalSize) {
			result = multierror.Append(result, fmt.Errorf(
				"area %s: [%d, %d) exceeds device %s bounds (size %d)",
				as.Name, as.BaseAddr, uint64(as.BaseAddr)+uint64(as.Size), dev.Name, dev.TotalSize))
		}

		partitions := make([]PartitionSpec, len(as.Partitions))
		copy(partitions, as.Partitions)
		sort.Slice(partitions, func(i, j int) bool { return partitions[i].Offset < partitions[j].Offset })

		var prevEnd uint64
		for i, ps := range partitions {
			end := uint64(ps.Offset) + uint64(ps.Size)
			if end > uint64(as.Size) {
				result = multierror.Append(result, fmt.Errorf(
					"area %s: partition %d [%d, %d) exceeds area bounds (size %d)",
					as.Name, i, ps.Offset, end, as.Size))
				continue
			}
			if uint64(ps.Offset) < prevEnd {
				result = multierror.Append(result, fmt.Errorf(
					"area %s: partition %d [%d, %d) overlaps the previous partition",
					as.Name, i, ps.Offset, end))
			}
			prevEnd = end
		}
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = multierror.ListFormatFunc
	return nvmstore.ErrInvalid.WithMessage("invalid topology").Wrap(result)
}

// Build turns a parsed Spec into an access.Table, instantiating one
// device.Device per DeviceSpec and resolving each AreaSpec's device
// reference by name.
func Build(spec Spec) (*access.Table, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	log := logrus.WithField("component", "config")

	devices := make(map[string]*device.Device, len(spec.Devices))
	for _, ds := range spec.Devices {
		dev, err := buildDevice(ds)
		if err != nil {
			return nil, nvmstore.ErrInvalid.WithMessage("device " + ds.Name).Wrap(err)
		}
		devices[ds.Name] = dev
		log.WithFields(logrus.Fields{
			"device": ds.Name, "backend": ds.Backend, "size": ds.TotalSize,
		}).Debug("registered device")
	}

	areas := make([]access.Area, 0, len(spec.Areas))
	for _, as := range spec.Areas {
		dev, ok := devices[as.Device]
		if !ok {
			return nil, nvmstore.ErrInvalid.WithMessage("area " + as.Name + " references unknown device " + as.Device)
		}

		partitions := make([]access.Partition, 0, len(as.Partitions))
		for _, ps := range as.Partitions {
			partitions = append(partitions, access.Partition{Offset: ps.Offset, Size: ps.Size})
		}

		areas = append(areas, access.Area{
			Name:       as.Name,
			Dev:        dev,
			BaseAddr:   as.BaseAddr,
			Size:       as.Size,
			Partitions: partitions,
		})
		log.WithFields(logrus.Fields{
			"area": as.Name, "device": as.Device, "partitions": len(partitions),
		}).Debug("registered area")
	}

	return access.NewTable(areas), nil
}

func buildDevice(ds DeviceSpec) (*device.Device, error) {
	info := device.Info{Name: ds.Name, WriteSize: ds.WriteSize, EraseSize: ds.EraseSize, TotalSize: ds.TotalSize}

	switch ds.Backend {
	case BackendFlash:
		return device.New(info, flashdevice.New(ds.TotalSize, ds.WriteSize, ds.EraseSize)), nil
	case BackendFile:
		f, err := openOrCreate(ds.Path, ds.TotalSize)
		if err != nil {
			return nil, err
		}
		return device.New(info, filedevice.Open(f)), nil
	case BackendMem:
		return device.New(info, memdevice.New(ds.TotalSize, nil)), nil
	default:
		return nil, nvmstore.ErrInvalid.WithMessage("unknown backend: " + string(ds.Backend))
	}
}

// openOrCreate opens path for read/write, creating and truncating it to
// size bytes (filled with 0xFF, matching erased flash) if it does not
// already exist.
func openOrCreate(path string, size uint32) (*os.File, error) {
	if _, err := os.Stat(path); err == nil {
		return os.OpenFile(path, os.O_RDWR, 0o644)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	filler := make([]byte, size)
	for i := range filler {
		filler[i] = 0xFF
	}
	if _, err := f.Write(filler); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
