package core

import (
	"errors"
	"fmt"

	"github.com/SimplyPrint/card-selector/internal/selection"
)

// StatusSuccess is the ISO 7816-4 normal processing status word.
const StatusSuccess uint16 = 0x9000

// SelectApplicationAPDU builds SELECT by DF name, first occurrence, returning FCI.
func SelectApplicationAPDU(aid []byte) []byte {
	apdu := make([]byte, 0, len(aid)+6)
	apdu = append(apdu, 0x00, 0xA4, 0x04, 0x00, byte(len(aid)))
	apdu = append(apdu, aid...)
	return append(apdu, 0x00)
}

// getResponseAPDU fetches the pending response bytes announced by a 61xx status word.
func getResponseAPDU(le byte) []byte {
	return []byte{0x00, 0xC0, 0x00, 0x00, le}
}

// statusWord returns the trailing SW1 SW2 of a response.
func statusWord(rsp []byte) uint16 {
	if len(rsp) < 2 {
		return 0
	}
	return uint16(rsp[len(rsp)-2])<<8 | uint16(rsp[len(rsp)-1])
}

// statusWordAccepted checks sw against accepted, which defaults to 9000.
func statusWordAccepted(sw uint16, accepted []uint16) bool {
	if len(accepted) == 0 {
		return sw == StatusSuccess
	}
	for _, a := range accepted {
		if sw == a {
			return true
		}
	}
	return false
}

// FCI holds the fields of an ISO 7816-4 File Control Information template.
type FCI struct {
	DFName      selection.HexBytes `json:"dfName,omitempty"`
	Proprietary selection.HexBytes `json:"proprietary,omitempty"`
}

var errShortTLV = errors.New("truncated TLV")

// ParseFCI decodes an FCI template (tag 6F) and its DF name (84) and proprietary (A5) data.
func ParseFCI(data []byte) (*FCI, error) {
	tag, value, rest, err := readTLV(data)
	if err != nil {
		return nil, fmt.Errorf("FCI: %w", err)
	}
	if tag != 0x6F {
		return nil, fmt.Errorf("FCI: expected template 6F, got %X", tag)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("FCI: %d trailing bytes", len(rest))
	}

	fci := &FCI{}
	for len(value) > 0 {
		var v []byte
		tag, v, value, err = readTLV(value)
		if err != nil {
			return nil, fmt.Errorf("FCI: %w", err)
		}
		switch tag {
		case 0x84:
			fci.DFName = v
		case 0xA5:
			fci.Proprietary = v
		}
	}
	return fci, nil
}

// readTLV reads one BER-TLV object.
func readTLV(b []byte) (tag uint32, value, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, nil, errShortTLV
	}

	i := 0
	tag = uint32(b[i])
	i++
	if b[0]&0x1F == 0x1F {
		for {
			if i >= len(b) || i > 3 {
				return 0, nil, nil, errShortTLV
			}
			tag = tag<<8 | uint32(b[i])
			i++
			if b[i-1]&0x80 == 0 {
				break
			}
		}
	}

	if i >= len(b) {
		return 0, nil, nil, errShortTLV
	}
	length := int(b[i])
	i++
	switch {
	case length < 0x80:
	case length == 0x81:
		if i >= len(b) {
			return 0, nil, nil, errShortTLV
		}
		length = int(b[i])
		i++
	case length == 0x82:
		if i+1 >= len(b) {
			return 0, nil, nil, errShortTLV
		}
		length = int(b[i])<<8 | int(b[i+1])
		i += 2
	default:
		return 0, nil, nil, fmt.Errorf("unsupported TLV length byte %02X", length)
	}

	if i+length > len(b) {
		return 0, nil, nil, errShortTLV
	}
	return tag, b[i : i+length], b[i+length:], nil
}
