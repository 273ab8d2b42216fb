package fragment

// Information element identifiers for concatenated messages.
const (
	ieConcat8  = 0x00
	ieConcat16 = 0x08
)

// concatInfo is the concatenation metadata carried in a user data header.
type concatInfo struct {
	ref   uint16
	total int
	seq   int
}

// parseConcat extracts concatenation metadata from a raw envelope. Two
// layouts are accepted: a bare concatenation element (element id, length,
// reference, total, sequence) or a user data header whose first octet is the
// header length followed by any number of elements. Bytes after the element
// or header are ignored. It returns false for anything that is not a
// well-formed multi-part header.
func parseConcat(env []byte) (concatInfo, bool) {
	if len(env) < 2 {
		return concatInfo{}, false
	}
	if info, ok, bare := parseElement(env[0], env[1:]); bare {
		return info, ok
	}

	hdrLen := int(env[0])
	if hdrLen == 0 || len(env) < 1+hdrLen {
		return concatInfo{}, false
	}
	hdr := env[1 : 1+hdrLen]

	for len(hdr) >= 2 {
		iei, ieLen := hdr[0], int(hdr[1])
		if len(hdr) < 2+ieLen {
			return concatInfo{}, false
		}
		info, ok, matched := parseElement(iei, hdr[1:2+ieLen])
		hdr = hdr[2+ieLen:]
		if matched {
			return info, ok
		}
	}
	return concatInfo{}, false
}

// parseElement decodes one concatenation element. rest starts at the
// element's length octet. matched reports whether iei and the length name a
// concatenation element with all of its data present.
func parseElement(iei byte, rest []byte) (info concatInfo, ok, matched bool) {
	if len(rest) < 1 {
		return concatInfo{}, false, false
	}
	ieLen := int(rest[0])
	data := rest[1:]
	switch {
	case iei == ieConcat8 && ieLen == 3 && len(data) >= 3:
		info = concatInfo{ref: uint16(data[0]), total: int(data[1]), seq: int(data[2])}
	case iei == ieConcat16 && ieLen == 4 && len(data) >= 4:
		info = concatInfo{ref: uint16(data[0])<<8 | uint16(data[1]), total: int(data[2]), seq: int(data[3])}
	default:
		return concatInfo{}, false, false
	}
	if info.total <= 1 || info.seq < 1 || info.seq > info.total {
		return concatInfo{}, false, true
	}
	return info, true, true
}

// Concat8 builds an envelope with an 8-bit reference concatenation header.
func Concat8(ref uint8, total, seq uint8) []byte {
	return []byte{5, ieConcat8, 3, ref, total, seq}
}

// Concat16 builds an envelope with a 16-bit reference concatenation header.
func Concat16(ref uint16, total, seq uint8) []byte {
	return []byte{6, ieConcat16, 4, byte(ref >> 8), byte(ref), total, seq}
}
