package layers

// im2col unrolls one group of an image (channels x height x width) into a
// (channels*kernel*kernel) x (outH*outW) column matrix. Taps that fall in
// the padding are zero.
func im2col(img []float32, channels int, g convGeometry, col []float32) {
	k := g.kernel
	spatial := g.outSpatial()
	for c := 0; c < channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*spatial:]
				for y := 0; y < g.outH; y++ {
					iy := y*g.stride - g.pad + ky*g.dilation
					dst := row[y*g.outW : (y+1)*g.outW]
					if iy < 0 || iy >= g.height {
						clear(dst)
						continue
					}
					src := img[(c*g.height+iy)*g.width:]
					for x := range dst {
						ix := x*g.stride - g.pad + kx*g.dilation
						if ix < 0 || ix >= g.width {
							dst[x] = 0
						} else {
							dst[x] = src[ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it adds every column entry back onto the
// image position it was read from. img must be zeroed by the caller.
func col2im(col []float32, channels int, g convGeometry, img []float32) {
	k := g.kernel
	spatial := g.outSpatial()
	for c := 0; c < channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*spatial:]
				for y := 0; y < g.outH; y++ {
					iy := y*g.stride - g.pad + ky*g.dilation
					if iy < 0 || iy >= g.height {
						continue
					}
					dst := img[(c*g.height+iy)*g.width:]
					for x := 0; x < g.outW; x++ {
						ix := x*g.stride - g.pad + kx*g.dilation
						if ix >= 0 && ix < g.width {
							dst[ix] += row[y*g.outW+x]
						}
					}
				}
			}
		}
	}
}
