package png

// pass describes one sub-image of an interlaced PNG.
type pass struct {
	x0, y0, dx, dy int
}

var adam7 = [7]pass{
	{0, 0, 8, 8},
	{4, 0, 8, 8},
	{0, 4, 4, 8},
	{2, 0, 4, 4},
	{0, 2, 2, 4},
	{1, 0, 2, 2},
	{0, 1, 1, 2},
}

var progressive = [1]pass{{0, 0, 1, 1}}

// size returns the pass dimensions for a width x height image. Either is zero for
// passes that contain no pixels.
func (p pass) size(width, height int) (int, int) {
	w, h := 0, 0
	if width > p.x0 {
		w = (width - p.x0 + p.dx - 1) / p.dx
	}

	if height > p.y0 {
		h = (height - p.y0 + p.dy - 1) / p.dy
	}

	return w, h
}

// passes returns the pass table for an interlace method.
func passes(interlace int) []pass {
	if interlace == 1 {
		return adam7[:]
	}

	return progressive[:]
}
