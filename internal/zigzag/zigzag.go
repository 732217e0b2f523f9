package zigzag

// NOTE(blukai): this is stolen from valve's tier1/bitbuf.h

// ZigZag Transform:  Encodes signed integers so that they can be
// effectively used with varint encoding.
//
// varint operates on unsigned integers, encoding smaller numbers into
// fewer bytes.  If you try to use it on a signed integer, it will treat
// this number as a very large unsigned integer, which means that even
// small signed numbers like -1 will take the maximum number of bytes
// (10) to encode.  ZigZagEncode() maps signed integers to unsigned
// in such a way that those with a small absolute value will have smaller
// encoded values, making them appropriate for encoding using varint.
//
//       int16 ->     uint16
// -------------------------
//           0 ->          0
//          -1 ->          1
//           1 ->          2
//          -2 ->          3
//         ... ->        ...
//       32767 ->      65534
//      -32768 ->      65535
//
//        >> encode >>
//        << decode <<

func Encode16(n int16) uint16 {
	return uint16((n << 1) ^ (n >> 15))
}

func Decode16(n uint16) int16 {
	return int16(n>>1) ^ -int16(n&1)
}

func Encode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func Decode64(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}
