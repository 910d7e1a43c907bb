package backbone

import (
	"fmt"
	"math"
	"slices"

	"finetune/internal/params"
)

// Transfer copies pretrained tensors into b by name. Tensors only present in
// src (a classification head, for instance) are ignored. The positional
// table is truncated or linearly interpolated when the maximum sequence
// length differs; every other shape must match.
func Transfer(b Backbone, src *params.Set) error {
	dst := b.Params()
	for _, name := range dst.Names() {
		if !src.Has(name) {
			return fmt.Errorf("pretrained weights have no tensor %q", name)
		}
		want, got := dst.Shape(name), src.Shape(name)
		switch {
		case slices.Equal(want, got):
			copy(dst.Data(name), src.Data(name))
		case name == "pos_embed" && len(want) == 2 && len(got) == 2 && want[1] == got[1]:
			resizePositions(dst.Data(name), want[0], src.Data(name), got[0], want[1])
		default:
			return fmt.Errorf("pretrained tensor %q has shape %v, model expects %v", name, got, want)
		}
	}
	return nil
}

func resizePositions(dst []float64, dstRows int, src []float64, srcRows, d int) {
	if dstRows <= srcRows || srcRows == 1 {
		for i := range dstRows {
			from := min(i, srcRows-1)
			copy(dst[i*d:(i+1)*d], src[from*d:(from+1)*d])
		}
		return
	}
	step := float64(srcRows-1) / float64(dstRows-1)
	for i := range dstRows {
		pos := float64(i) * step
		lo := int(math.Floor(pos))
		hi := min(lo+1, srcRows-1)
		frac := pos - float64(lo)
		for j := range d {
			dst[i*d+j] = (1-frac)*src[lo*d+j] + frac*src[hi*d+j]
		}
	}
}
