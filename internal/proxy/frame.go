package proxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Destination frame address types, numbered as in SOCKS5.
const (
	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03
	AtypIPv6   byte = 0x04
)

var errDomainTooLong = errors.New("proxy: domain longer than 255 bytes")

// WriteDestFrame writes the destination frame for target ("host:port") that
// the client sends before any payload.
// Format: [ATYP][len?][addr][port_hi][port_lo]; len only for domains.
func WriteDestFrame(w io.Writer, target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("parsing target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("parsing port %q: %w", portStr, err)
	}

	atyp, addr := classifyAddr(host)
	buf := []byte{atyp}
	if atyp == AtypDomain {
		if len(addr) > 255 {
			return errDomainTooLong
		}
		buf = append(buf, byte(len(addr)))
	}
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(port))
	_, err = w.Write(buf)
	return err
}

// ReadDestFrame reads a destination frame and returns "host:port".
func ReadDestFrame(r io.Reader) (string, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", fmt.Errorf("reading ATYP: %w", err)
	}

	var host string
	switch atyp[0] {
	case AtypIPv4, AtypIPv6:
		b := make([]byte, net.IPv4len)
		if atyp[0] == AtypIPv6 {
			b = make([]byte, net.IPv6len)
		}
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("reading IP: %w", err)
		}
		host = net.IP(b).String()

	case AtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", fmt.Errorf("reading domain length: %w", err)
		}
		domain := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", fmt.Errorf("reading domain: %w", err)
		}
		host = string(domain)

	default:
		return "", fmt.Errorf("unknown ATYP 0x%02x", atyp[0])
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", fmt.Errorf("reading port: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), nil
}

// classifyAddr returns the ATYP byte and raw address bytes for host.
func classifyAddr(host string) (byte, []byte) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return AtypIPv4, ip4
		}
		return AtypIPv6, ip.To16()
	}
	return AtypDomain, []byte(host)
}
