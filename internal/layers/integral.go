package layers

// integralImage fills sat, of size (h+1)*(w+1), with the summed-area table
// of an h x w plane: sat[(y)*(w+1)+x] is the sum of plane[0:y, 0:x].
func integralImage(plane []float32, h, w int, sat []float32) {
	stride := w + 1
	clear(sat[:stride])
	for y := 0; y < h; y++ {
		row := plane[y*w : (y+1)*w]
		prev := sat[y*stride : (y+1)*stride]
		cur := sat[(y+1)*stride : (y+2)*stride]
		cur[0] = 0
		var run float32
		for x, v := range row {
			run += v
			cur[x+1] = prev[x+1] + run
		}
	}
}

// rectSum returns the sum over rows [hs, he) and columns [ws, we).
func rectSum(sat []float32, w, hs, he, ws, we int) float32 {
	stride := w + 1
	return sat[he*stride+we] - sat[hs*stride+we] - sat[he*stride+ws] + sat[hs*stride+ws]
}
