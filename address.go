// Package xdt implements the wire-level types shared by every XDT
// component: the address triple used to name users and services, and the
// PDU/SDU tagged unions exchanged across the peer and user boundaries.
package xdt

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Port range reserved for XDT services, per §6.
const (
	PortMin = 49152
	PortMax = 65535
)

// Address identifies an XDT user (host, port, slot) or, when Slot is
// ignored by the caller, an XDT service (host, port). Equality is
// memberwise (§3).
type Address struct {
	Host net.IP
	Port uint16
	Slot uint32
}

// Equal reports whether two addresses are memberwise identical.
func (a Address) Equal(other Address) bool {
	return a.Host.Equal(other.Host) && a.Port == other.Port && a.Slot == other.Slot
}

// ServiceEqual reports whether two addresses name the same (host, port)
// service, ignoring slot.
func (a Address) ServiceEqual(other Address) bool {
	return a.Host.Equal(other.Host) && a.Port == other.Port
}

// String renders the address in "host:port[.slot]" form.
func (a Address) String() string {
	if a.Slot == 0 {
		return fmt.Sprintf("%s:%d", a.Host.String(), a.Port)
	}
	return fmt.Sprintf("%s:%d.%d", a.Host.String(), a.Port, a.Slot)
}

// SAPPath returns the service access point path for this address's
// (host, port) pair, per §6: "/tmp/xdt-<host>:<port>".
func (a Address) SAPPath() string {
	return fmt.Sprintf("/tmp/xdt-%s:%d", a.Host.String(), a.Port)
}

// UAPPath returns the user access point path for this address, per §6:
// "/tmp/xdt-<host>:<port>.<slot>".
func (a Address) UAPPath() string {
	return fmt.Sprintf("/tmp/xdt-%s:%d.%d", a.Host.String(), a.Port, a.Slot)
}

// ParseAddress parses "host:port[.slot]" per §6. host accepts an IPv4
// dotted quad or a resolvable hostname (resolved once, here). port must
// fall in [PortMin, PortMax]. slot defaults to 0 and accepts any uint32.
func ParseAddress(s string) (Address, error) {
	host, portSlot, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", ErrAddressParse, s, err)
	}
	portStr, slotPart, hasSlot := strings.Cut(portSlot, ".")

	ip, err := resolveHost(host)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", ErrAddressParse, s, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port < PortMin || port > PortMax {
		return Address{}, fmt.Errorf("%w: port %s out of range [%d,%d]", ErrAddressParse, portStr, PortMin, PortMax)
	}

	var slot uint64
	if hasSlot {
		slot, err = strconv.ParseUint(slotPart, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("%w: bad slot %q: %v", ErrAddressParse, slotPart, err)
		}
	}

	return Address{Host: ip, Port: uint16(port), Slot: uint32(slot)}, nil
}

func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4(), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address found for %s", host)
}
