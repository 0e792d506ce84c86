//go:build !linux || !cgo || !ibverbs

package verbs

import "fmt"

// openDevice is the non-cgo fallback: this build has no libibverbs
// binding compiled in. Build with -tags ibverbs on a Linux host with
// rdma-core installed to talk to real hardware.
func openDevice(deviceName string) (Device, error) {
	return nil, fmt.Errorf("verbs: device %q unavailable: built without the ibverbs tag", deviceName)
}
