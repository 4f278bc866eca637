package command

import (
	"path/filepath"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port that could carry commands.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// Label is a short name for the port, used in logs.
func (p PortInfo) Label() string {
	return extractPortSuffix(p.Name)
}

// CandidatePorts lists serial ports that look like a USB-tethered robot
// controller. USB ports are listed first.
func CandidatePorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Some platforms cannot report USB details; fall back to names.
		names, nameErr := serial.GetPortsList()
		if nameErr != nil {
			return nil, err
		}
		var out []PortInfo
		for _, name := range filterCandidatePorts(names) {
			out = append(out, PortInfo{Name: name})
		}
		return out, nil
	}

	var out []PortInfo
	for _, p := range ports {
		if !p.IsUSB && !isCandidatePort(p.Name) {
			continue
		}
		out = append(out, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IsUSB && !out[j].IsUSB
	})
	return out, nil
}

// filterCandidatePorts keeps port names matching controller patterns.
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(port string) bool {
	// Linux
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix turns /dev/tty.usbmodem123 into usbmodem123 and
// /dev/ttyUSB0 into ttyUSB0.
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}
