package pixel

// Op is a single-pass per-pixel operation reconciling source and destination
// channel order and alpha representation.
type Op int

const (
	OpNone Op = iota
	OpSwap
	OpPremultiply
	OpUnpremultiply
	OpSwapPremultiply
	OpSwapUnpremultiply
)

// Convert returns the operation that turns pixels stored with (srcSwap, srcPremul)
// into pixels stored with (dstSwap, dstPremul). A swap exchanges the first and third
// channels, so RGBA and BGRA are each other's swap.
func Convert(srcSwap, dstSwap, srcPremul, dstPremul bool) Op {
	swap := srcSwap != dstSwap

	switch {
	case !srcPremul && dstPremul:
		if swap {
			return OpSwapPremultiply
		}

		return OpPremultiply
	case srcPremul && !dstPremul:
		if swap {
			return OpSwapUnpremultiply
		}

		return OpUnpremultiply
	case swap:
		return OpSwap
	default:
		return OpNone
	}
}

// Premultiply scales c by a/255 with rounding.
func Premultiply(c, a uint8) uint8 {
	return uint8((uint32(a)*uint32(c) + 127) / 255)
}

// Unpremultiply reverses Premultiply. Values are left unchanged for a == 0 and a == 255.
func Unpremultiply(c, a uint8) uint8 {
	if a == 0 || a == 255 {
		return c
	}

	v := 255 * uint32(c) / uint32(a)
	if v > 255 {
		v = 255
	}

	return uint8(v)
}

// ConvertRow applies op in place to the first n pixels of row.
func ConvertRow(row []byte, n int, op Op) {
	if op == OpNone {
		return
	}

	row = row[:n*BytesPerPixel]

	switch op {
	case OpSwap:
		for i := 0; i < len(row); i += 4 {
			row[i], row[i+2] = row[i+2], row[i]
		}
	case OpPremultiply:
		for i := 0; i < len(row); i += 4 {
			a := row[i+3]
			if a == 255 {
				continue
			}

			row[i] = Premultiply(row[i], a)
			row[i+1] = Premultiply(row[i+1], a)
			row[i+2] = Premultiply(row[i+2], a)
		}
	case OpUnpremultiply:
		for i := 0; i < len(row); i += 4 {
			a := row[i+3]
			row[i] = Unpremultiply(row[i], a)
			row[i+1] = Unpremultiply(row[i+1], a)
			row[i+2] = Unpremultiply(row[i+2], a)
		}
	case OpSwapPremultiply:
		for i := 0; i < len(row); i += 4 {
			a := row[i+3]
			r, b := row[i+2], row[i]
			if a != 255 {
				r = Premultiply(r, a)
				row[i+1] = Premultiply(row[i+1], a)
				b = Premultiply(b, a)
			}

			row[i], row[i+2] = r, b
		}
	case OpSwapUnpremultiply:
		for i := 0; i < len(row); i += 4 {
			a := row[i+3]
			r, b := row[i+2], row[i]
			row[i] = Unpremultiply(r, a)
			row[i+1] = Unpremultiply(row[i+1], a)
			row[i+2] = Unpremultiply(b, a)
		}
	}
}
