package wasmbin

// AppendULEB128 appends v in unsigned LEB128.
func AppendULEB128(out []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

// AppendSLEB128 appends v in signed LEB128.
func AppendSLEB128(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

func appendName(out []byte, s string) []byte {
	out = AppendULEB128(out, uint64(len(s)))
	return append(out, s...)
}
