// Package versionmgmt reports the build version.
package versionmgmt

import (
	"github.com/sdrnet/udpdk/mk/version"
)

// VersionMgmt is the Version service.
type VersionMgmt struct{}

// Version returns version information.
func (VersionMgmt) Version(args struct{}, reply *version.Version) error {
	*reply = version.Get()
	return nil
}
