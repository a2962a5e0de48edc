package comm

import (
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port present on the host
type PortInfo struct {
	Name    string `json:"name" yaml:"name"`
	USB     bool   `json:"usb" yaml:"usb"`
	VID     string `json:"vid,omitempty" yaml:"vid,omitempty"`
	PID     string `json:"pid,omitempty" yaml:"pid,omitempty"`
	Serial  string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Product string `json:"product,omitempty" yaml:"product,omitempty"`
}

// ListPorts enumerates the serial ports on the host, USB adapters included
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{
			Name:    p.Name,
			USB:     p.IsUSB,
			VID:     strings.ToLower(p.VID),
			PID:     strings.ToLower(p.PID),
			Serial:  p.SerialNumber,
			Product: p.Product,
		})
	}
	return out, nil
}

// FindPort returns the first port whose USB VID:PID matches, e.g. "0765:d094"
func FindPort(vidpid string) (string, bool, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", false, err
	}
	vidpid = strings.ToLower(vidpid)
	for _, p := range ports {
		if p.USB && p.VID+":"+p.PID == vidpid {
			return p.Name, true, nil
		}
	}
	return "", false, nil
}
