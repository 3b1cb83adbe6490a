package ethdev

// Driver names.
const (
	DriverRing = "net_ring"
	DriverTap  = "net_tap"
)

// DevInfo provides contextual information of a port.
type DevInfo struct {
	DriverName    string   `json:"driverName"`
	MaxRxQueues   int      `json:"maxRxQueues"`
	MaxTxQueues   int      `json:"maxTxQueues"`
	MaxMTU        int      `json:"maxMTU"`
	RxOffloadCapa Offloads `json:"rxOffloadCapa"`
	TxOffloadCapa Offloads `json:"txOffloadCapa"`
}

// IsVDev determines whether the driver is a virtual device.
func (info DevInfo) IsVDev() bool {
	switch info.DriverName {
	case DriverRing, DriverTap:
		return true
	}
	return false
}

// HasTxChecksumOffload determines whether device can compute IPv4 checksum upon transmission.
func (info DevInfo) HasTxChecksumOffload() bool {
	return info.TxOffloadCapa.Has(OffloadIPv4Cksum)
}

// HasRxChecksumOffload determines whether device can verify IPv4 checksum upon reception.
func (info DevInfo) HasRxChecksumOffload() bool {
	return info.RxOffloadCapa.Has(OffloadIPv4Cksum)
}
