package jpeg

import (
	"fmt"
	"math/bits"
	"math/rand"
)

// A minimal JPEG writer for tests. It produces streams with the features the
// decoder must handle: any supported sampling, restart intervals, sequential
// scans with one or all components, and progressive scans with spectral
// selection and successive approximation.

type huffSpec struct {
	counts [16]byte
	values []byte
}

// Standard luminance tables (Annex K.3).
var (
	lumaDC = huffSpec{
		[16]byte{0, 1, 5, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0},
		[]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	}

	lumaAC = huffSpec{
		[16]byte{0, 2, 1, 3, 3, 2, 4, 3, 5, 5, 4, 4, 0, 0, 1, 0x7d},
		[]byte{
			0x01, 0x02, 0x03, 0x00, 0x04, 0x11, 0x05, 0x12, 0x21, 0x31, 0x41, 0x06, 0x13, 0x51, 0x61, 0x07,
			0x22, 0x71, 0x14, 0x32, 0x81, 0x91, 0xa1, 0x08, 0x23, 0x42, 0xb1, 0xc1, 0x15, 0x52, 0xd1, 0xf0,
			0x24, 0x33, 0x62, 0x72, 0x82, 0x09, 0x0a, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x25, 0x26, 0x27, 0x28,
			0x29, 0x2a, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39, 0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49,
			0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59, 0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69,
			0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79, 0x7a, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89,
			0x8a, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98, 0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7,
			0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3, 0xc4, 0xc5,
			0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2, 0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xe1, 0xe2,
			0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9, 0xea, 0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
			0xf9, 0xfa,
		},
	}

	// flatAC gives every symbol but 0xFF an 8-bit code, so it also covers the
	// EOBn symbols of progressive scans.
	flatAC = func() huffSpec {
		s := huffSpec{}
		s.counts[7] = 255

		for v := 0; v < 255; v++ {
			s.values = append(s.values, byte(v))
		}

		return s
	}()
)

type huffCode struct {
	code uint32
	size int
}

// codes assigns canonical codes as in Annex C.
func (s huffSpec) codes() map[byte]huffCode {
	m := make(map[byte]huffCode)
	code, k := uint32(0), 0

	for l := 1; l <= 16; l++ {
		for i := 0; i < int(s.counts[l-1]); i++ {
			m[s.values[k]] = huffCode{code, l}
			code++
			k++
		}

		code <<= 1
	}

	return m
}

// segment returns the DHT payload for a table of the given class and id.
func (s huffSpec) segment(class, id int) []byte {
	seg := []byte{byte(class<<4 | id)}
	seg = append(seg, s.counts[:]...)

	return append(seg, s.values...)
}

// bitWriter writes entropy-coded data with byte stuffing.
type bitWriter struct {
	out []byte
	acc byte
	n   int
}

func (w *bitWriter) bits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.acc = w.acc<<1 | byte(v>>i&1)
		w.n++

		if w.n == 8 {
			w.out = append(w.out, w.acc)
			if w.acc == 0xFF {
				w.out = append(w.out, 0x00)
			}

			w.acc, w.n = 0, 0
		}
	}
}

// flush pads the last byte with one bits.
func (w *bitWriter) flush() {
	for w.n != 0 {
		w.bits(1, 1)
	}
}

type testComp struct {
	id, h, v int
	nbx, nby int // Blocks covering the MCU grid.
	bw, bh   int // Blocks inside the component.
	pred     int
	// blocks holds quantized coefficients in natural order.
	blocks [][64]int32
}

type testJPEG struct {
	width, height int
	comps         []*testComp
	mbw, mbh      int
	restart       int
	// qt is the quantization table in natural order.
	qt [64]byte
	// app holds extra segments written after SOI.
	app [][]byte
}

// newTestJPEG lays out an image with one component per sampling factor pair.
func newTestJPEG(width, height int, sampling ...[2]int) *testJPEG {
	j := &testJPEG{width: width, height: height}
	for i := range j.qt {
		j.qt[i] = 1
	}

	hmax, vmax := 1, 1
	for _, s := range sampling {
		hmax, vmax = max(hmax, s[0]), max(vmax, s[1])
	}

	if len(sampling) == 1 {
		sampling[0] = [2]int{1, 1}
		hmax, vmax = 1, 1
	}

	j.mbw = (width + 8*hmax - 1) / (8 * hmax)
	j.mbh = (height + 8*vmax - 1) / (8 * vmax)

	for i, s := range sampling {
		c := &testComp{id: i + 1, h: s[0], v: s[1]}
		c.nbx, c.nby = j.mbw*c.h, j.mbh*c.v
		c.bw = ((width*c.h+hmax-1)/hmax + 7) / 8
		c.bh = ((height*c.v+vmax-1)/vmax + 7) / 8
		c.blocks = make([][64]int32, c.nbx*c.nby)
		j.comps = append(j.comps, c)
	}

	return j
}

// randomize fills the blocks inside each component with random coefficients.
// Components listed in dcOnly get no AC coefficients.
func (j *testJPEG) randomize(rnd *rand.Rand, dcOnly ...int) {
	for i, c := range j.comps {
		flat := false
		for _, d := range dcOnly {
			flat = flat || d == i
		}

		for by := 0; by < c.bh; by++ {
			for bx := 0; bx < c.bw; bx++ {
				b := &c.blocks[by*c.nbx+bx]
				b[0] = int32(rnd.Intn(601) - 300)

				if flat {
					continue
				}

				for n := 0; n < 6; n++ {
					b[zz[1+rnd.Intn(63)]] = int32(rnd.Intn(121) - 60)
				}
			}
		}
	}
}

func (j *testJPEG) all() []int {
	list := make([]int, len(j.comps))
	for i := range list {
		list[i] = i
	}

	return list
}

func appendSegment(out []byte, marker byte, payload []byte) []byte {
	n := len(payload) + 2
	out = append(out, 0xFF, marker, byte(n>>8), byte(n))

	return append(out, payload...)
}

func (j *testJPEG) header(progressive bool, dc, ac huffSpec) []byte {
	out := []byte{0xFF, markerSOI}
	for _, seg := range j.app {
		out = append(out, seg...)
	}

	dqt := []byte{0}
	for k := 0; k < 64; k++ {
		dqt = append(dqt, j.qt[zz[k]])
	}

	out = appendSegment(out, markerDQT, dqt)

	sof := []byte{8, byte(j.height >> 8), byte(j.height), byte(j.width >> 8), byte(j.width), byte(len(j.comps))}
	for _, c := range j.comps {
		sof = append(sof, byte(c.id), byte(c.h<<4|c.v), 0)
	}

	marker := byte(markerSOF0)
	if progressive {
		marker = markerSOF2
	}

	out = appendSegment(out, marker, sof)
	out = appendSegment(out, markerDHT, dc.segment(0, 0))
	out = appendSegment(out, markerDHT, ac.segment(1, 0))

	if j.restart > 0 {
		out = appendSegment(out, markerDRI, []byte{byte(j.restart >> 8), byte(j.restart)})
	}

	return out
}

type encodeFunc func(s *scanWriter, c *testComp, blk *[64]int32)

type scanWriter struct {
	j      *testJPEG
	w      bitWriter
	dc, ac map[byte]huffCode
	ss, se int
	ah, al int
	eobrun int
	be     []byte // Correction bits pending with the EOB run.
	rst    int
}

// scan appends one SOS segment and its entropy-coded data.
func (j *testJPEG) scan(out []byte, comps []int, dc, ac huffSpec, ss, se, ah, al int, encode encodeFunc) []byte {
	sos := []byte{byte(len(comps))}
	for _, i := range comps {
		sos = append(sos, byte(j.comps[i].id), 0x00)
	}

	sos = append(sos, byte(ss), byte(se), byte(ah<<4|al))
	out = appendSegment(out, markerSOS, sos)

	s := &scanWriter{j: j, dc: dc.codes(), ac: ac.codes(), ss: ss, se: se, ah: ah, al: al}
	for _, c := range j.comps {
		c.pred = 0
	}

	count := 0
	next := func(total int) {
		count++
		if j.restart > 0 && count%j.restart == 0 && count < total {
			s.emitEOBRun()
			s.w.flush()
			s.w.out = append(s.w.out, 0xFF, byte(markerRST0+s.rst%8))
			s.rst++

			for _, c := range j.comps {
				c.pred = 0
			}
		}
	}

	if len(comps) == 1 {
		c := j.comps[comps[0]]
		for by := 0; by < c.bh; by++ {
			for bx := 0; bx < c.bw; bx++ {
				encode(s, c, &c.blocks[by*c.nbx+bx])
				next(c.bw * c.bh)
			}
		}
	} else {
		for mby := 0; mby < j.mbh; mby++ {
			for mbx := 0; mbx < j.mbw; mbx++ {
				for _, i := range comps {
					c := j.comps[i]
					for y := 0; y < c.v; y++ {
						for x := 0; x < c.h; x++ {
							encode(s, c, &c.blocks[(mby*c.v+y)*c.nbx+mbx*c.h+x])
						}
					}
				}

				next(j.mbw * j.mbh)
			}
		}
	}

	s.emitEOBRun()
	s.w.flush()

	return append(out, s.w.out...)
}

// baseline encodes j with a single interleaved scan, or with one scan per
// component if separate is set.
func (j *testJPEG) baseline(separate bool) []byte {
	out := j.header(false, lumaDC, lumaAC)

	if separate {
		for i := range j.comps {
			out = j.scan(out, []int{i}, lumaDC, lumaAC, 0, 63, 0, 0, (*scanWriter).sequential)
		}
	} else {
		out = j.scan(out, j.all(), lumaDC, lumaAC, 0, 63, 0, 0, (*scanWriter).sequential)
	}

	return append(out, 0xFF, markerEOI)
}

// progressive encodes j with DC and AC successive approximation and two AC bands.
func (j *testJPEG) progressive() []byte {
	out := j.header(true, lumaDC, flatAC)
	all := j.all()

	out = j.scan(out, all, lumaDC, flatAC, 0, 0, 0, 1, (*scanWriter).dcFirst)

	for i := range j.comps {
		c := []int{i}
		out = j.scan(out, c, lumaDC, flatAC, 1, 5, 0, 2, (*scanWriter).acFirst)
		out = j.scan(out, c, lumaDC, flatAC, 6, 63, 0, 0, (*scanWriter).acFirst)
		out = j.scan(out, c, lumaDC, flatAC, 1, 5, 2, 1, (*scanWriter).acRefine)
	}

	out = j.scan(out, all, lumaDC, flatAC, 0, 0, 1, 0, (*scanWriter).dcRefine)

	for i := range j.comps {
		out = j.scan(out, []int{i}, lumaDC, flatAC, 1, 5, 1, 0, (*scanWriter).acRefine)
	}

	return append(out, 0xFF, markerEOI)
}

func (s *scanWriter) symbol(tab map[byte]huffCode, sym byte) {
	c, ok := tab[sym]
	if !ok {
		panic(fmt.Sprintf("no code for symbol 0x%02X", sym))
	}

	s.w.bits(c.code, c.size)
}

// category returns the magnitude category of v and its additional bits.
func category(v int) (int, uint32) {
	a := v
	if a < 0 {
		a = -a
	}

	n := bits.Len(uint(a))
	if v < 0 {
		return n, uint32(v + 1<<n - 1)
	}

	return n, uint32(v)
}

func (s *scanWriter) dcDiff(c *testComp, v int) {
	diff := v - c.pred
	c.pred = v

	n, b := category(diff)
	s.symbol(s.dc, byte(n))
	s.w.bits(b, n)
}

func (s *scanWriter) sequential(c *testComp, blk *[64]int32) {
	s.dcDiff(c, int(blk[0]))

	r := 0
	for k := 1; k < 64; k++ {
		v := int(blk[zz[k]])
		if v == 0 {
			r++

			continue
		}

		for r > 15 {
			s.symbol(s.ac, 0xF0)
			r -= 16
		}

		n, b := category(v)
		s.symbol(s.ac, byte(r<<4|n))
		s.w.bits(b, n)
		r = 0
	}

	if r > 0 {
		s.symbol(s.ac, 0x00)
	}
}

func (s *scanWriter) dcFirst(c *testComp, blk *[64]int32) {
	s.dcDiff(c, int(blk[0]>>s.al))
}

func (s *scanWriter) dcRefine(_ *testComp, blk *[64]int32) {
	s.w.bits(uint32(blk[0]>>s.al)&1, 1)
}

func (s *scanWriter) emitEOBRun() {
	if s.eobrun == 0 {
		return
	}

	n := bits.Len(uint(s.eobrun)) - 1
	s.symbol(s.ac, byte(n<<4))
	s.w.bits(uint32(s.eobrun)&(1<<n-1), n)
	s.eobrun = 0

	for _, b := range s.be {
		s.w.bits(uint32(b), 1)
	}

	s.be = s.be[:0]
}

func (s *scanWriter) acFirst(_ *testComp, blk *[64]int32) {
	r := 0

	for k := s.ss; k <= s.se; k++ {
		v := int(blk[zz[k]])
		a := v
		if a < 0 {
			a = -a
		}

		a >>= s.al
		if a == 0 {
			r++

			continue
		}

		s.emitEOBRun()

		for r > 15 {
			s.symbol(s.ac, 0xF0)
			r -= 16
		}

		if v < 0 {
			a = -a
		}

		n, b := category(a)
		s.symbol(s.ac, byte(r<<4|n))
		s.w.bits(b, n)
		r = 0
	}

	if r > 0 {
		s.eobrun++
		if s.eobrun == 0x7FFF {
			s.emitEOBRun()
		}
	}
}

// acRefine follows the encoder side of section G.1.2.3: correction bits for
// coefficients that are already non-zero travel with the next symbol.
func (s *scanWriter) acRefine(_ *testComp, blk *[64]int32) {
	var abs [64]int

	eob := 0
	for k := s.ss; k <= s.se; k++ {
		a := int(blk[zz[k]])
		if a < 0 {
			a = -a
		}

		abs[k] = a >> s.al
		if abs[k] == 1 {
			eob = k
		}
	}

	r := 0
	var br []byte

	for k := s.ss; k <= s.se; k++ {
		a := abs[k]
		if a == 0 {
			r++

			continue
		}

		for r > 15 && k <= eob {
			s.emitEOBRun()
			s.symbol(s.ac, 0xF0)
			r -= 16

			for _, b := range br {
				s.w.bits(uint32(b), 1)
			}

			br = br[:0]
		}

		if a > 1 {
			br = append(br, byte(a&1))

			continue
		}

		s.emitEOBRun()
		s.symbol(s.ac, byte(r<<4|1))

		sign := uint32(1)
		if blk[zz[k]] < 0 {
			sign = 0
		}

		s.w.bits(sign, 1)

		for _, b := range br {
			s.w.bits(uint32(b), 1)
		}

		br = br[:0]
		r = 0
	}

	if r > 0 || len(br) > 0 {
		s.eobrun++
		s.be = append(s.be, br...)

		if s.eobrun == 0x7FFF {
			s.emitEOBRun()
		}
	}
}

// exifSegment returns an APP1 segment holding a big-endian EXIF block with the
// given orientation.
func exifSegment(orientation int) []byte {
	tiff := []byte{
		'M', 'M', 0, 42, 0, 0, 0, 8,
		0, 1, // One entry.
		0x01, 0x12, 0, 3, 0, 0, 0, 1, 0, byte(orientation), 0, 0,
		0, 0, 0, 0, // No next IFD.
	}

	return appendSegment(nil, markerAPP1, append([]byte("Exif\x00\x00"), tiff...))
}
