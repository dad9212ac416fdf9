package core

import (
	"encoding/hex"
	"strings"
)

// ATRInfo is what can be told about a card from its ATR alone.
type ATRInfo struct {
	Protocol    string `json:"protocol,omitempty"`    // Short protocol: "NFC-A", "NFC-V"
	ProtocolISO string `json:"protocolISO,omitempty"` // Full ISO protocol: "ISO 14443-3A", "ISO 15693"
	Family      string `json:"family,omitempty"`      // e.g., "MIFARE Classic", "ISO 7816"
	Contactless bool   `json:"contactless,omitempty"`
}

// contactlessATR reports whether atr was built by a PC/SC contactless interface. Those
// readers present every card, storage or ISO 14443-4, as 3B 8n 80 01 followed by the
// historical bytes.
func contactlessATR(atr []byte) bool {
	return len(atr) >= 4 && atr[0] == 0x3B && atr[1]&0xF0 == 0x80 && atr[2] == 0x80 && atr[3] == 0x01
}

// DetectATR inspects an ATR using the PC/SC part 3 storage card layout
// (3B 8F 80 01 80 4F 0C A0 00 00 03 06 SS NN NN ...). Processor cards, which do not use
// that layout, are reported as ISO 7816.
func DetectATR(atr []byte) ATRInfo {
	s := hex.EncodeToString(atr)
	info := ATRInfo{Contactless: contactlessATR(atr)}

	if len(s) < 30 || (s[0:4] != "3b8f" && s[0:4] != "3b8b") {
		if len(atr) > 0 {
			info.Family = "ISO 7816"
		}
		return info
	}

	switch {
	case strings.Contains(s, "03060b"):
		// ICode SLI/SLIX/SLIX2
		info.Protocol = "NFC-V"
		info.ProtocolISO = "ISO 15693"
		info.Family = "ISO 15693"
	case strings.Contains(s, "03060300"):
		// NTAG, MIFARE Classic, MIFARE Ultralight; byte 14 tells Classic apart
		info.Protocol = "NFC-A"
		info.ProtocolISO = "ISO 14443-3A"
		switch s[28:30] {
		case "01":
			info.Family = "MIFARE Classic"
		case "03":
			info.Family = "Type 2 tag"
		default:
			info.Family = "ISO 14443-3A"
		}
	default:
		info.Family = "Unknown ISO 14443/15693 tag"
	}
	return info
}
