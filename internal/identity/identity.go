// Package identity resolves the hardware address this masterbox reports to
// the backend and the cloud.
package identity

import (
	"errors"
	"net"
	"strings"
)

// ErrNoAddress is returned when no usable interface has a hardware address.
var ErrNoAddress = errors.New("identity: no hardware address found")

// MACAddress returns configured when it is set. Otherwise it returns the
// address of the first interface that is up, is not a loopback and has a
// hardware address.
func MACAddress(configured string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	return firstHardwareAddr(ifaces)
}

func firstHardwareAddr(ifaces []net.Interface) (string, error) {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", ErrNoAddress
}
