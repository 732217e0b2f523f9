package protocol

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"time"

	"github.com/blukai/fragnet/internal/byteorder"
	"github.com/blukai/fragnet/internal/zigzag"
	"github.com/go-gl/mathgl/mgl32"
)

// writer keeps the first error and ignores every write after it, so
// encoders can be written straight through.
type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) u8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(v)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf.Write(byteorder.Htons(v))
}

func (w *writer) i16(v int16) {
	w.u16(zigzag.Encode16(v))
}

func (w *writer) duration(v time.Duration) {
	if w.err != nil {
		return
	}
	w.buf.Write(byteorder.Htonll(zigzag.Encode64(int64(v))))
}

func (w *writer) f32(v float32) {
	if w.err != nil {
		return
	}
	w.buf.Write(byteorder.Htonf(v))
}

func (w *writer) vec3(v mgl32.Vec3) {
	w.f32(v[0])
	w.f32(v[1])
	w.f32(v[2])
}

func (w *writer) quat(q mgl32.Quat) {
	w.vec3(q.V)
	w.f32(q.W)
}

func (w *writer) str(s string) {
	if len(s) > math.MaxUint16 {
		w.fail(fmt.Errorf("%w: string of %d bytes", ErrListTooLong, len(s)))
		return
	}
	w.u16(uint16(len(s)))
	if w.err != nil {
		return
	}
	w.buf.WriteString(s)
}

func (w *writer) color(c color.RGBA) {
	w.u8(c.R)
	w.u8(c.G)
	w.u8(c.B)
	w.u8(c.A)
}

// listLen writes the single-byte length prefix of a list.
func (w *writer) listLen(n int) {
	if n > MaxListLen {
		w.fail(fmt.Errorf("%w: %d entries", ErrListTooLong, n))
		return
	}
	w.u8(uint8(n))
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	switch v := r.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Errorf("%w: bool byte %d", ErrMalformed, v))
		return false
	}
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return byteorder.Ntohs(b)
}

func (r *reader) i16() int16 {
	return zigzag.Decode16(r.u16())
}

func (r *reader) duration() time.Duration {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return time.Duration(zigzag.Decode64(byteorder.Ntohll(b)))
}

func (r *reader) f32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return byteorder.Ntohf(b)
}

func (r *reader) vec3() mgl32.Vec3 {
	return mgl32.Vec3{r.f32(), r.f32(), r.f32()}
}

func (r *reader) quat() mgl32.Quat {
	v := r.vec3()
	return mgl32.Quat{W: r.f32(), V: v}
}

func (r *reader) str() string {
	n := r.u16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) color() color.RGBA {
	return color.RGBA{R: r.u8(), G: r.u8(), B: r.u8(), A: r.u8()}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.data)-r.off)
	}
	return nil
}
