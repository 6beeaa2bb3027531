package vicon

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Emitter sends Tracker-format datagrams. It stands in for a Vicon system when
// checking a recorder setup in the field, and drives end-to-end tests.
type Emitter struct {
	conn  net.Conn
	frame uint32
}

// Dial connects an emitter to a UDP destination.
func Dial(ctx context.Context, addr string) (*Emitter, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("vicon: dial %s: %w", addr, err)
	}
	return &Emitter{conn: conn}, nil
}

// StartAt sets the frame number of the next packet.
func (e *Emitter) StartAt(frame uint32) {
	e.frame = frame
}

// Send emits one packet carrying objects and advances the frame number.
func (e *Emitter) Send(objects []Object) error {
	if err := e.SendPacket(Packet{FrameNumber: e.frame, Objects: objects}); err != nil {
		return err
	}
	e.frame++
	return nil
}

// SendPacket emits p exactly as given.
func (e *Emitter) SendPacket(p Packet) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	return e.SendRaw(buf)
}

// SendRaw emits an arbitrary datagram, including malformed ones.
func (e *Emitter) SendRaw(b []byte) error {
	if _, err := e.conn.Write(b); err != nil {
		return fmt.Errorf("vicon: send: %w", err)
	}
	return nil
}

// Stream sends count packets at rate Hz, calling gen for the objects of each
// packet. It returns the number of packets sent, stopping early if ctx ends.
// A count of 0 streams until ctx ends.
func (e *Emitter) Stream(ctx context.Context, rate float64, count int, gen func(i int) []Object) (int, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("vicon: rate must be positive, got %v", rate)
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	sent := 0
	for count == 0 || sent < count {
		if err := e.Send(gen(sent)); err != nil {
			return sent, err
		}
		sent++

		if count != 0 && sent == count {
			break
		}
		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
	return sent, nil
}

// Close releases the socket.
func (e *Emitter) Close() error {
	return e.conn.Close()
}
