package xdt

import (
	"encoding/binary"
	"fmt"
)

// PDUCode identifies which PDU variant a message carries, per §3/§4.1.
type PDUCode uint32

const (
	PDUCodeDT PDUCode = iota + 1
	PDUCodeACK
	PDUCodeABO
)

func (c PDUCode) String() string {
	switch c {
	case PDUCodeDT:
		return "DT"
	case PDUCodeACK:
		return "ACK"
	case PDUCodeABO:
		return "ABO"
	default:
		return fmt.Sprintf("PDUCode(%d)", uint32(c))
	}
}

// DataTransfer is the DT PDU variant. SourceAddr/DestAddr carry the
// endpoint addresses only when Sequ == 1 (the initial DT); otherwise Conn
// identifies the connection and the addresses are zero-valued.
type DataTransfer struct {
	Sequ       uint32
	SourceAddr Address
	DestAddr   Address
	Conn       uint32
	EOM        bool
	Data       []byte
}

// Acknowledge is the ACK PDU variant. Same Sequ==1 address convention as
// DataTransfer.
type Acknowledge struct {
	Sequ       uint32
	SourceAddr Address
	DestAddr   Address
	Conn       uint32
}

// Abort is the ABO PDU variant.
type Abort struct {
	Conn uint32
}

// PDU is a tagged union of the three wire variants. Exactly one of DT,
// ACK, ABO is meaningful, selected by Code.
type PDU struct {
	Code PDUCode
	DT   DataTransfer
	ACK  Acknowledge
	ABO  Abort
}

// NewDT builds a DT PDU. Caller must keep len(data) <= 255.
func NewDT(sequ uint32, conn uint32, eom bool, data []byte) PDU {
	return PDU{Code: PDUCodeDT, DT: DataTransfer{Sequ: sequ, Conn: conn, EOM: eom, Data: data}}
}

// NewInitialDT builds the sequ==1 DT PDU, which carries endpoint
// addresses instead of a connection number.
func NewInitialDT(source, dest Address, eom bool, data []byte) PDU {
	return PDU{Code: PDUCodeDT, DT: DataTransfer{Sequ: 1, SourceAddr: source, DestAddr: dest, EOM: eom, Data: data}}
}

// NewACK builds an ACK PDU for sequ > 1.
func NewACK(sequ uint32, conn uint32) PDU {
	return PDU{Code: PDUCodeACK, ACK: Acknowledge{Sequ: sequ, Conn: conn}}
}

// NewInitialACK builds the sequ==1 ACK PDU, source/dest swapped relative
// to the DT it acknowledges (§4.5).
func NewInitialACK(source, dest Address, conn uint32) PDU {
	return PDU{Code: PDUCodeACK, ACK: Acknowledge{Sequ: 1, SourceAddr: source, DestAddr: dest, Conn: conn}}
}

// NewABO builds an ABO PDU.
func NewABO(conn uint32) PDU {
	return PDU{Code: PDUCodeABO, ABO: Abort{Conn: conn}}
}

// PDUStreamMax bounds the largest encoded PDU: 4 bytes per XDR word,
// sized against the biggest variant (DT, payload included), per §6.
const PDUStreamMax = 4 * (1 + 4 + 4 + 4 + 1 + 1 + 1 + 255 + 3)

// EncodePDU serializes pdu using XDR-style length-implicit encoding
// (§4.1): every integer is a 32-bit big-endian word, and the opaque DT
// payload is a 32-bit length followed by the bytes, padded to a 4-byte
// boundary.
func EncodePDU(pdu PDU) ([]byte, error) {
	buf := make([]byte, 0, PDUStreamMax)
	buf = appendU32(buf, uint32(pdu.Code))

	switch pdu.Code {
	case PDUCodeDT:
		dt := pdu.DT
		buf = appendU32(buf, dt.Sequ)
		if dt.Sequ == 1 {
			buf = appendAddress(buf, dt.SourceAddr)
			buf = appendAddress(buf, dt.DestAddr)
		} else {
			buf = appendU32(buf, dt.Conn)
		}
		buf = appendBool(buf, dt.EOM)
		if len(dt.Data) > 255 {
			return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(dt.Data))
		}
		buf = appendOpaque(buf, dt.Data)
		return buf, nil

	case PDUCodeACK:
		ack := pdu.ACK
		buf = appendU32(buf, ack.Sequ)
		if ack.Sequ == 1 {
			buf = appendAddress(buf, ack.SourceAddr)
			buf = appendAddress(buf, ack.DestAddr)
		}
		buf = appendU32(buf, ack.Conn)
		return buf, nil

	case PDUCodeABO:
		buf = appendU32(buf, pdu.ABO.Conn)
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: code %d", ErrUnknownCode, pdu.Code)
	}
}

// DecodePDU deserializes a PDU encoded by EncodePDU. It fails with a
// wrapped ErrUnknownCode on an unrecognized discriminator, ErrTruncated
// on short input, and ErrPayloadTooLarge on a DT length field > 255
// (§4.1).
func DecodePDU(stream []byte) (PDU, error) {
	r := newReader(stream)
	code, err := r.u32()
	if err != nil {
		return PDU{}, protoErr(0, err)
	}

	switch PDUCode(code) {
	case PDUCodeDT:
		var dt DataTransfer
		dt.Sequ, err = r.u32()
		if err != nil {
			return PDU{}, protoErr(code, err)
		}
		if dt.Sequ == 1 {
			if dt.SourceAddr, err = r.address(); err != nil {
				return PDU{}, protoErr(code, err)
			}
			if dt.DestAddr, err = r.address(); err != nil {
				return PDU{}, protoErr(code, err)
			}
		} else {
			if dt.Conn, err = r.u32(); err != nil {
				return PDU{}, protoErr(code, err)
			}
		}
		eom, err := r.u32()
		if err != nil {
			return PDU{}, protoErr(code, err)
		}
		dt.EOM = eom != 0
		dt.Data, err = r.opaque()
		if err != nil {
			return PDU{}, protoErr(code, err)
		}
		return PDU{Code: PDUCodeDT, DT: dt}, nil

	case PDUCodeACK:
		var ack Acknowledge
		ack.Sequ, err = r.u32()
		if err != nil {
			return PDU{}, protoErr(code, err)
		}
		if ack.Sequ == 1 {
			if ack.SourceAddr, err = r.address(); err != nil {
				return PDU{}, protoErr(code, err)
			}
			if ack.DestAddr, err = r.address(); err != nil {
				return PDU{}, protoErr(code, err)
			}
		}
		ack.Conn, err = r.u32()
		if err != nil {
			return PDU{}, protoErr(code, err)
		}
		return PDU{Code: PDUCodeACK, ACK: ack}, nil

	case PDUCodeABO:
		conn, err := r.u32()
		if err != nil {
			return PDU{}, protoErr(code, err)
		}
		return PDU{Code: PDUCodeABO, ABO: Abort{Conn: conn}}, nil

	default:
		return PDU{}, protoErr(code, ErrUnknownCode)
	}
}

// --- XDR-style primitive helpers ---

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return appendU32(buf, 1)
	}
	return appendU32(buf, 0)
}

func appendAddress(buf []byte, a Address) []byte {
	var host [4]byte
	ip4 := a.Host.To4()
	copy(host[:], ip4)
	buf = append(buf, host[:]...)
	buf = appendU32(buf, uint32(a.Port))
	buf = appendU32(buf, a.Slot)
	return buf
}

func appendOpaque(buf []byte, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	buf = append(buf, data...)
	if pad := (4 - len(data)%4) % 4; pad != 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) address() (Address, error) {
	if r.pos+4 > len(r.b) {
		return Address{}, ErrTruncated
	}
	host := make([]byte, 4)
	copy(host, r.b[r.pos:r.pos+4])
	r.pos += 4
	port, err := r.u32()
	if err != nil {
		return Address{}, err
	}
	slot, err := r.u32()
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: uint16(port), Slot: slot}, nil
}

func (r *reader) opaque() ([]byte, error) {
	length, err := r.u32()
	if err != nil {
		return nil, err
	}
	if length > 255 {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, length)
	}
	padded := int(length) + (4-int(length)%4)%4
	if r.pos+padded > len(r.b) {
		return nil, ErrTruncated
	}
	data := make([]byte, length)
	copy(data, r.b[r.pos:r.pos+int(length)])
	r.pos += padded
	return data, nil
}

// protoErr wraps a decode failure as a *ProtocolError carrying the
// discriminator code that was being decoded when it happened (0 if the
// code word itself couldn't be read).
func protoErr(code uint32, err error) error {
	return &ProtocolError{Code: code, Err: err}
}
