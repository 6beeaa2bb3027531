// Package vicon reads the Vicon Tracker UDP object stream.
//
// Each datagram carries one device frame:
//
//	offset  size  field
//	0       4     frame number (uint32, little endian)
//	4       1     items in block (uint8)
//	then, per item:
//	+0      1     item id (uint8, 0 = tracked object)
//	+1      2     item data size (uint16, little endian)
//	+3      24    object name (NUL padded)
//	+27     8x3   translation x, y, z (float64, mm)
//	+51     8x3   rotation x, y, z (float64, Euler XYZ radians)
//
// The reader never reorders or retransmits: datagrams are timestamped and
// forwarded in receive order, and gaps in the frame number are kept as-is.
// Malformed datagrams are counted and discarded.
package vicon
