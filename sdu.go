package xdt

import "fmt"

// SDUCode identifies which SDU variant a message carries, per §3.
type SDUCode uint32

const (
	SDUCodeXDATrequ SDUCode = iota + 1
	SDUCodeXDATind
	SDUCodeXDATconf
	SDUCodeXBREAKind
	SDUCodeXABORTind
	SDUCodeXDISind
)

func (c SDUCode) String() string {
	switch c {
	case SDUCodeXDATrequ:
		return "XDATrequ"
	case SDUCodeXDATind:
		return "XDATind"
	case SDUCodeXDATconf:
		return "XDATconf"
	case SDUCodeXBREAKind:
		return "XBREAKind"
	case SDUCodeXABORTind:
		return "XABORTind"
	case SDUCodeXDISind:
		return "XDISind"
	default:
		return fmt.Sprintf("SDUCode(%d)", uint32(c))
	}
}

// DataRequest is the XDATrequ SDU: a producer's request to send one
// frame. SourceAddr/DestAddr only matter when Sequ == 1.
type DataRequest struct {
	Conn       uint32
	Sequ       uint32
	SourceAddr Address
	DestAddr   Address
	EOM        bool
	Data       []byte
}

// DataIndication is the XDATind SDU: delivery of one frame to a consumer.
type DataIndication struct {
	Conn uint32
	Sequ uint32
	EOM  bool
	Data []byte
}

// DataConfirm is the XDATconf SDU: per-frame confirmation to a producer.
type DataConfirm struct {
	Conn uint32
	Sequ uint32
}

// BreakIndication is the XBREAKind SDU: the send window is full.
type BreakIndication struct {
	Conn uint32
}

// AbortIndication is the XABORTind SDU: terminal abort notification.
type AbortIndication struct {
	Conn uint32
}

// DisconnectIndication is the XDISind SDU: terminal graceful disconnect.
type DisconnectIndication struct {
	Conn uint32
}

// SDU is a tagged union of the six variants exchanged with the user
// layer across the local-domain socket (§3, §6). Exactly one embedded
// field is meaningful, selected by Code.
type SDU struct {
	Code  SDUCode
	Requ  DataRequest
	Ind   DataIndication
	Conf  DataConfirm
	Break BreakIndication
	Abort AbortIndication
	Dis   DisconnectIndication
}

// Conn returns the connection number carried by whichever variant is
// populated, used by the dispatcher for mapped<->real rewriting (§4.3).
func (s SDU) Conn() uint32 {
	switch s.Code {
	case SDUCodeXDATrequ:
		return s.Requ.Conn
	case SDUCodeXDATind:
		return s.Ind.Conn
	case SDUCodeXDATconf:
		return s.Conf.Conn
	case SDUCodeXBREAKind:
		return s.Break.Conn
	case SDUCodeXABORTind:
		return s.Abort.Conn
	case SDUCodeXDISind:
		return s.Dis.Conn
	default:
		return 0
	}
}

// WithConn returns a copy of s with its connection number field
// replaced, used by the dispatcher to rewrite mapped<->real connection
// numbers at the user boundary (§4.3) without mutating the caller's SDU.
func (s SDU) WithConn(conn uint32) SDU {
	switch s.Code {
	case SDUCodeXDATrequ:
		s.Requ.Conn = conn
	case SDUCodeXDATind:
		s.Ind.Conn = conn
	case SDUCodeXDATconf:
		s.Conf.Conn = conn
	case SDUCodeXBREAKind:
		s.Break.Conn = conn
	case SDUCodeXABORTind:
		s.Abort.Conn = conn
	case SDUCodeXDISind:
		s.Dis.Conn = conn
	}
	return s
}

func NewXDATrequ(conn, sequ uint32, eom bool, data []byte) SDU {
	return SDU{Code: SDUCodeXDATrequ, Requ: DataRequest{Conn: conn, Sequ: sequ, EOM: eom, Data: data}}
}

func NewInitialXDATrequ(source, dest Address, eom bool, data []byte) SDU {
	return SDU{Code: SDUCodeXDATrequ, Requ: DataRequest{Sequ: 1, SourceAddr: source, DestAddr: dest, EOM: eom, Data: data}}
}

func NewXDATind(conn, sequ uint32, eom bool, data []byte) SDU {
	return SDU{Code: SDUCodeXDATind, Ind: DataIndication{Conn: conn, Sequ: sequ, EOM: eom, Data: data}}
}

func NewXDATconf(conn, sequ uint32) SDU {
	return SDU{Code: SDUCodeXDATconf, Conf: DataConfirm{Conn: conn, Sequ: sequ}}
}

func NewXBREAKind(conn uint32) SDU {
	return SDU{Code: SDUCodeXBREAKind, Break: BreakIndication{Conn: conn}}
}

func NewXABORTind(conn uint32) SDU {
	return SDU{Code: SDUCodeXABORTind, Abort: AbortIndication{Conn: conn}}
}

func NewXDISind(conn uint32) SDU {
	return SDU{Code: SDUCodeXDISind, Dis: DisconnectIndication{Conn: conn}}
}

// EncodeSDU serializes sdu with the same XDR-style convention as
// EncodePDU (§4.1 applies to the user boundary too per §6: "one
// datagram per SDU").
func EncodeSDU(sdu SDU) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = appendU32(buf, uint32(sdu.Code))

	switch sdu.Code {
	case SDUCodeXDATrequ:
		r := sdu.Requ
		buf = appendU32(buf, r.Conn)
		buf = appendU32(buf, r.Sequ)
		buf = appendAddress(buf, r.SourceAddr)
		buf = appendAddress(buf, r.DestAddr)
		buf = appendBool(buf, r.EOM)
		if len(r.Data) > 255 {
			return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(r.Data))
		}
		buf = appendOpaque(buf, r.Data)

	case SDUCodeXDATind:
		i := sdu.Ind
		buf = appendU32(buf, i.Conn)
		buf = appendU32(buf, i.Sequ)
		buf = appendBool(buf, i.EOM)
		if len(i.Data) > 255 {
			return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(i.Data))
		}
		buf = appendOpaque(buf, i.Data)

	case SDUCodeXDATconf:
		buf = appendU32(buf, sdu.Conf.Conn)
		buf = appendU32(buf, sdu.Conf.Sequ)

	case SDUCodeXBREAKind:
		buf = appendU32(buf, sdu.Break.Conn)

	case SDUCodeXABORTind:
		buf = appendU32(buf, sdu.Abort.Conn)

	case SDUCodeXDISind:
		buf = appendU32(buf, sdu.Dis.Conn)

	default:
		return nil, fmt.Errorf("%w: code %d", ErrUnknownCode, sdu.Code)
	}

	return buf, nil
}

// DecodeSDU deserializes an SDU encoded by EncodeSDU.
func DecodeSDU(stream []byte) (SDU, error) {
	r := newReader(stream)
	code, err := r.u32()
	if err != nil {
		return SDU{}, protoErr(0, err)
	}

	switch SDUCode(code) {
	case SDUCodeXDATrequ:
		var d DataRequest
		if d.Conn, err = r.u32(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		if d.Sequ, err = r.u32(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		if d.SourceAddr, err = r.address(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		if d.DestAddr, err = r.address(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		eom, err := r.u32()
		if err != nil {
			return SDU{}, protoErr(code, err)
		}
		d.EOM = eom != 0
		if d.Data, err = r.opaque(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		return SDU{Code: SDUCodeXDATrequ, Requ: d}, nil

	case SDUCodeXDATind:
		var d DataIndication
		if d.Conn, err = r.u32(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		if d.Sequ, err = r.u32(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		eom, err := r.u32()
		if err != nil {
			return SDU{}, protoErr(code, err)
		}
		d.EOM = eom != 0
		if d.Data, err = r.opaque(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		return SDU{Code: SDUCodeXDATind, Ind: d}, nil

	case SDUCodeXDATconf:
		var d DataConfirm
		if d.Conn, err = r.u32(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		if d.Sequ, err = r.u32(); err != nil {
			return SDU{}, protoErr(code, err)
		}
		return SDU{Code: SDUCodeXDATconf, Conf: d}, nil

	case SDUCodeXBREAKind:
		conn, err := r.u32()
		if err != nil {
			return SDU{}, protoErr(code, err)
		}
		return SDU{Code: SDUCodeXBREAKind, Break: BreakIndication{Conn: conn}}, nil

	case SDUCodeXABORTind:
		conn, err := r.u32()
		if err != nil {
			return SDU{}, protoErr(code, err)
		}
		return SDU{Code: SDUCodeXABORTind, Abort: AbortIndication{Conn: conn}}, nil

	case SDUCodeXDISind:
		conn, err := r.u32()
		if err != nil {
			return SDU{}, protoErr(code, err)
		}
		return SDU{Code: SDUCodeXDISind, Dis: DisconnectIndication{Conn: conn}}, nil

	default:
		return SDU{}, protoErr(code, ErrUnknownCode)
	}
}
