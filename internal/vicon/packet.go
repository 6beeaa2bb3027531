package vicon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/roach88/vicap/internal/record"
)

const (
	headerSize     = 5  // frame number + item count
	itemHeaderSize = 3  // item id + data size
	nameSize       = 24 // fixed-width object name
	objectDataSize = nameSize + 6*8

	// ItemObject is the item id Tracker sends for tracked-object blocks.
	// Decode does not require it.
	ItemObject uint8 = 0

	// MaxDatagramSize bounds a single read; Vicon keeps packets well below it.
	MaxDatagramSize = 65507

	// MaxObjects is the largest item count the one-byte header can carry.
	MaxObjects = math.MaxUint8
)

var (
	// ErrEmpty is returned for a zero-length datagram.
	ErrEmpty = errors.New("vicon: empty datagram")

	// ErrTruncated is returned when a header or item runs past the datagram end,
	// or an item declares a size too small for its layout.
	ErrTruncated = errors.New("vicon: truncated datagram")
)

// Object is one decoded tracker item.
type Object struct {
	ItemID      uint8      `json:"item_id"`
	Name        string     `json:"name"`
	Translation [3]float64 `json:"translation"`
	Rotation    [3]float64 `json:"rotation"`
}

// Occluded reports whether the device sent an all-zero pose, which Tracker
// does for objects it cannot currently see.
func (o Object) Occluded() bool {
	for i := 0; i < 3; i++ {
		if o.Translation[i] != 0 || o.Rotation[i] != 0 {
			return false
		}
	}
	return true
}

func (o Object) String() string {
	return fmt.Sprintf("%s tx=%.3f ty=%.3f tz=%.3f rx=%.4f ry=%.4f rz=%.4f",
		o.Name,
		o.Translation[0], o.Translation[1], o.Translation[2],
		o.Rotation[0], o.Rotation[1], o.Rotation[2])
}

// Packet is one decoded datagram.
type Packet struct {
	FrameNumber uint32   `json:"frame_number"`
	Objects     []Object `json:"objects"`
}

func (p Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "frame=%d objects=%d\n", p.FrameNumber, len(p.Objects))
	for _, o := range p.Objects {
		b.WriteString(o.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Decode parses one datagram.
//
// Every item is decoded as an object whatever its id; Tracker numbers the
// items of a packet 0, 1, 2 in some setups. Items are stepped over by their
// declared data size, so a layout that appends fields to an object block
// still decodes. Trailing bytes after the last item are ignored.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, ErrEmpty
	}
	if len(data) < headerSize {
		return Packet{}, fmt.Errorf("%w: %d byte header", ErrTruncated, len(data))
	}

	pkt := Packet{FrameNumber: binary.LittleEndian.Uint32(data[0:4])}
	items := int(data[4])
	off := headerSize

	if items > 0 {
		pkt.Objects = make([]Object, 0, items)
	}

	for i := 0; i < items; i++ {
		if off+itemHeaderSize > len(data) {
			return Packet{}, fmt.Errorf("%w: item %d header at offset %d", ErrTruncated, i, off)
		}
		id := data[off]
		size := int(binary.LittleEndian.Uint16(data[off+1 : off+3]))
		off += itemHeaderSize

		if off+size > len(data) {
			return Packet{}, fmt.Errorf("%w: item %d declares %d bytes, %d remain", ErrTruncated, i, size, len(data)-off)
		}
		body := data[off : off+size]
		off += size

		if size < objectDataSize {
			return Packet{}, fmt.Errorf("%w: item %d declares %d bytes, object needs %d", ErrTruncated, i, size, objectDataSize)
		}

		pkt.Objects = append(pkt.Objects, decodeObject(id, body))
	}

	return pkt, nil
}

func decodeObject(id uint8, body []byte) Object {
	name := body[:nameSize]
	if n := indexNUL(name); n >= 0 {
		name = name[:n]
	}

	o := Object{ItemID: id, Name: record.NormalizeText(string(name))}
	vals := body[nameSize:objectDataSize]
	for i := 0; i < 3; i++ {
		o.Translation[i] = math.Float64frombits(binary.LittleEndian.Uint64(vals[i*8:]))
		o.Rotation[i] = math.Float64frombits(binary.LittleEndian.Uint64(vals[24+i*8:]))
	}
	return o
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Encode serializes a packet in the Tracker layout. Names longer than the
// 24-byte field are truncated.
func Encode(p Packet) ([]byte, error) {
	if len(p.Objects) > MaxObjects {
		return nil, fmt.Errorf("vicon: %d objects exceeds %d per packet", len(p.Objects), MaxObjects)
	}

	buf := make([]byte, headerSize+len(p.Objects)*(itemHeaderSize+objectDataSize))
	binary.LittleEndian.PutUint32(buf[0:4], p.FrameNumber)
	buf[4] = uint8(len(p.Objects))

	off := headerSize
	for _, o := range p.Objects {
		buf[off] = o.ItemID
		binary.LittleEndian.PutUint16(buf[off+1:off+3], objectDataSize)
		off += itemHeaderSize

		copy(buf[off:off+nameSize], o.Name)
		vals := buf[off+nameSize : off+objectDataSize]
		for i := 0; i < 3; i++ {
			binary.LittleEndian.PutUint64(vals[i*8:], math.Float64bits(o.Translation[i]))
			binary.LittleEndian.PutUint64(vals[24+i*8:], math.Float64bits(o.Rotation[i]))
		}
		off += objectDataSize
	}

	return buf, nil
}
