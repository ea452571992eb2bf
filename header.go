package tcpshm

import "unsafe"

// HeaderSize is the fixed wire size of MsgHeader, and the block size (in
// bytes) of one PTCP queue slot.
const HeaderSize = 8

// Reserved msg_type values. Applications must use non-zero values outside
// this set; 0 and the reserved range belong to the library.
const (
	msgTypeReserved  uint16 = 0
	msgTypeLogin     uint16 = 0xFFFF
	msgTypeLoginRsp  uint16 = 0xFFFE
	msgTypeHeartbeat uint16 = 0xFFFD
)

// MsgHeader is the 8-byte frame header shared by every transport: PTCP
// slots, SPSC blocks and the raw TCP byte stream all lay it out identically.
//
//	size of this msg, including header itself, set by the library
//	msg_type chosen by the application and must not be 0
//	ack_seq internally used for ptcp, must not be touched by user code
type MsgHeader struct {
	Size    uint16
	MsgType uint16
	AckSeq  uint32
}

// ConvertByteOrder converts all three header fields between host and the
// wire endian, as a unit. ToLittle selects the wire-endian convention; it
// must be called once by the sender before the header leaves host memory,
// and once by the receiver when it needs to read the field values (the
// conversion is its own inverse).
func (h *MsgHeader) ConvertByteOrder(toLittle bool) {
	h.Size = Convert(toLittle, h.Size)
	h.MsgType = Convert(toLittle, h.MsgType)
	h.AckSeq = Convert(toLittle, h.AckSeq)
}

// Scalar is the set of types Convert accepts: every signed/unsigned integer
// width the header (or an application payload) might need, plus the two
// floating point widths.
type Scalar interface {
	~uint16 | ~uint32 | ~uint64 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// hostLittleEndian reports whether the running process is little-endian.
// Computed once; every Convert call on a matching wire endian is then a
// single boolean compare away from a no-op, never a function call into a
// byte-swap routine.
var hostLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Convert converts v between host and wire byte order, where toLittle
// selects the wire-endian convention. Convert(toLittle, Convert(toLittle, v))
// == v for every v.
func Convert[T Scalar](toLittle bool, v T) T {
	if toLittle == hostLittleEndian {
		return v
	}
	switch unsafe.Sizeof(v) {
	case 2:
		p := (*uint16)(unsafe.Pointer(&v))
		*p = bswap16(*p)
	case 4:
		p := (*uint32)(unsafe.Pointer(&v))
		*p = bswap32(*p)
	case 8:
		p := (*uint64)(unsafe.Pointer(&v))
		*p = bswap64(*p)
	}
	return v
}

func bswap16(x uint16) uint16 {
	return (x&0x00FF)<<8 | (x&0xFF00)>>8
}

func bswap32(x uint32) uint32 {
	return (x&0x000000FF)<<24 | (x&0x0000FF00)<<8 | (x&0x00FF0000)>>8 | (x&0xFF000000)>>24
}

func bswap64(x uint64) uint64 {
	return (x&0x00000000000000FF)<<56 |
		(x&0x000000000000FF00)<<40 |
		(x&0x0000000000FF0000)<<24 |
		(x&0x00000000FF000000)<<8 |
		(x&0x000000FF00000000)>>8 |
		(x&0x0000FF0000000000)>>24 |
		(x&0x00FF000000000000)>>40 |
		(x&0xFF00000000000000)>>56
}

// headerAt overlays a MsgHeader directly on buf at the given byte offset.
// Used for the mmap-backed PTCP/SPSC rings (always HeaderSize/slot-size
// aligned by construction) and for the in-memory TCP receive buffer, which
// mirrors the same 8-byte-packed layout as it arrives off the wire.
func headerAt(buf []byte, offset int) *MsgHeader {
	return (*MsgHeader)(unsafe.Pointer(&buf[offset]))
}

// payloadAt returns the payload bytes following the header at offset, given
// the header's already-host-order Size field.
func payloadAt(buf []byte, offset int, size uint16) []byte {
	return buf[offset+HeaderSize : offset+int(size)]
}

// PayloadOf returns the payload bytes immediately following h in memory,
// mirroring the C++ source's `(char*)header + sizeof(MsgHeader)`. h must be
// a view into a contiguous header+payload region, such as the header Alloc
// returns (a PTCP slot or an SPSC block). The header passed to
// OnServerMsg/OnClientMsg is a host-order copy, not such a view; use the
// payload argument there instead.
func PayloadOf(h *MsgHeader) []byte {
	p := unsafe.Add(unsafe.Pointer(h), HeaderSize)
	return unsafe.Slice((*byte)(p), int(h.Size)-HeaderSize)
}

func blockCount(payloadSize uint16, blockBytes uint32) uint32 {
	size := uint32(payloadSize) + HeaderSize
	return (size + blockBytes - 1) / blockBytes
}
