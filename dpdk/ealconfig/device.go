package ealconfig

import (
	"github.com/sdrnet/udpdk/core/hwinfo"
)

// DeviceConfig contains device related configuration.
type DeviceConfig struct {
	// VirtualDevices is a list of virtual devices.
	// Each should be a device argument for the --vdev flag, such as:
	//  net_tap0,iface=sdr0,mac=02:00:00:00:00:01
	//  net_ring0
	VirtualDevices []string `json:"virtualDevices,omitempty"`

	// DeviceFlags is device-related flags passed to EAL.
	// This replaces all other options.
	DeviceFlags string `json:"deviceFlags,omitempty"`
}

func (cfg DeviceConfig) args(hwinfo.Provider) (args []string, e error) {
	if cfg.DeviceFlags != "" {
		return shellSplit("DeviceFlags", cfg.DeviceFlags)
	}

	for _, dev := range cfg.VirtualDevices {
		args = append(args, "--vdev", dev)
	}
	return args, nil
}
