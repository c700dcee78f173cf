package template

import (
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

const (
	coarseWidth   = 320.0
	minCoarseSide = 8.0
	coarseSlack   = 0.15
	maxCandidates = 16
	maxOverlap    = 0.3
)

// plane is a grayscale image as float samples
type plane struct {
	w, h int
	pix  []float32
}

// integral holds summed-area tables of a plane and its squares
type integral struct {
	stride int
	sum    []float64
	sq     []float64
}

// prepared is a zero-mean template
type prepared struct {
	w, h int
	zero []float32
	norm float64
}

type scored struct {
	rect  image.Rectangle
	score float64
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

func scaleGray(g *image.Gray, f float64) *image.Gray {
	if f == 1 {
		return g
	}
	w := max(1, int(math.Round(float64(g.Rect.Dx())*f)))
	h := max(1, int(math.Round(float64(g.Rect.Dy())*f)))
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

func newPlane(g *image.Gray) *plane {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	p := &plane{w: w, h: h, pix: make([]float32, w*h)}
	for y := range h {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			p.pix[y*w+x] = float32(v)
		}
	}
	return p
}

func newIntegral(p *plane) *integral {
	stride := p.w + 1
	in := &integral{
		stride: stride,
		sum:    make([]float64, stride*(p.h+1)),
		sq:     make([]float64, stride*(p.h+1)),
	}
	for y := range p.h {
		var rs, rq float64
		for x := range p.w {
			v := float64(p.pix[y*p.w+x])
			rs += v
			rq += v * v
			i := (y+1)*stride + x + 1
			in.sum[i] = in.sum[i-stride] + rs
			in.sq[i] = in.sq[i-stride] + rq
		}
	}
	return in
}

func (in *integral) window(x, y, w, h int) (float64, float64) {
	a := y*in.stride + x
	b := a + w
	c := (y+h)*in.stride + x
	d := c + w
	return in.sum[d] - in.sum[b] - in.sum[c] + in.sum[a],
		in.sq[d] - in.sq[b] - in.sq[c] + in.sq[a]
}

// prepare returns nil for a template without contrast
func prepare(p *plane) *prepared {
	var mean float64
	for _, v := range p.pix {
		mean += float64(v)
	}
	mean /= float64(len(p.pix))

	t := &prepared{w: p.w, h: p.h, zero: make([]float32, len(p.pix))}
	var ss float64
	for i, v := range p.pix {
		z := float64(v) - mean
		t.zero[i] = float32(z)
		ss += z * z
	}
	if ss < 1e-6 {
		return nil
	}
	t.norm = math.Sqrt(ss)
	return t
}

// ncc is the normalized cross-correlation of t with the window at x,y
func ncc(s *plane, in *integral, t *prepared, x, y int) float64 {
	n := float64(t.w * t.h)
	sum, sq := in.window(x, y, t.w, t.h)
	varW := sq - sum*sum/n
	if varW < 1e-6 {
		return 0
	}
	var num float64
	for ty := range t.h {
		off := (y+ty)*s.w + x
		srow := s.pix[off : off+t.w]
		trow := t.zero[ty*t.w : (ty+1)*t.w]
		var acc float32
		for i, v := range trow {
			acc += srow[i] * v
		}
		num += float64(acc)
	}
	return num / (math.Sqrt(varW) * t.norm)
}

// scan scores every position in area where the template fits
func scan(s *plane, in *integral, t *prepared, area image.Rectangle, minScore float64) []scored {
	area = area.Intersect(image.Rect(0, 0, s.w-t.w+1, s.h-t.h+1))
	var res []scored
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			if sc := ncc(s, in, t, x, y); sc >= minScore {
				res = append(res, scored{rect: image.Rect(x, y, x+t.w, y+t.h), score: sc})
			}
		}
	}
	return res
}

// search finds non-overlapping occurrences of tmpl in screen scoring at
// least threshold. Large screens are searched on a downscaled copy first
// and candidates refined at full resolution
func search(screen, tmpl *image.Gray, threshold float64) []scored {
	sw, sh := screen.Rect.Dx(), screen.Rect.Dy()
	tw, th := tmpl.Rect.Dx(), tmpl.Rect.Dy()
	if tw == 0 || th == 0 || tw > sw || th > sh {
		return nil
	}
	full := newPlane(screen)
	fullIn := newIntegral(full)
	ft := prepare(newPlane(tmpl))
	if ft == nil {
		return nil
	}

	f := 1.0
	if float64(sw) > coarseWidth {
		f = coarseWidth / float64(sw)
	}
	f = max(f, minCoarseSide/float64(min(tw, th)))
	if f >= 1 {
		return suppress(scan(full, fullIn, ft, image.Rect(0, 0, sw, sh), threshold))
	}

	cs := newPlane(scaleGray(screen, f))
	ct := prepare(newPlane(scaleGray(tmpl, f)))
	if ct == nil {
		return nil
	}
	coarse := suppress(scan(cs, newIntegral(cs), ct, image.Rect(0, 0, cs.w, cs.h), threshold-coarseSlack))
	if len(coarse) > maxCandidates {
		coarse = coarse[:maxCandidates]
	}

	r := int(math.Ceil(1/f)) + 1
	var refined []scored
	for _, c := range coarse {
		x0 := int(math.Round(float64(c.rect.Min.X) / f))
		y0 := int(math.Round(float64(c.rect.Min.Y) / f))
		local := scan(full, fullIn, ft, image.Rect(x0-r, y0-r, x0+r+1, y0+r+1), threshold)
		if best, ok := bestOf(local); ok {
			refined = append(refined, best)
		}
	}
	return suppress(refined)
}

func bestOf(s []scored) (scored, bool) {
	if len(s) == 0 {
		return scored{}, false
	}
	best := s[0]
	for _, c := range s[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best, true
}

// suppress keeps the highest scoring of overlapping results, best first
func suppress(in []scored) []scored {
	sort.SliceStable(in, func(i, j int) bool { return in[i].score > in[j].score })
	var kept []scored
	for _, c := range in {
		ok := true
		for _, k := range kept {
			if overlap(c.rect, k.rect) > maxOverlap {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func overlap(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	ua := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	return ia / ua
}
