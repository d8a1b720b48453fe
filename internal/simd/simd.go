// Package simd holds unrolled float32 vector loops used by the accelerated
// kernels. All functions operate on len(dst) elements; sources must be at
// least as long.
package simd

// AddScaled performs dst += src * scale.
func AddScaled(dst, src []float32, scale float32) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// AddSquares performs dst += src * src * scale.
func AddSquares(dst, src []float32, scale float32) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * src[i] * scale
		dst[i+1] += src[i+1] * src[i+1] * scale
		dst[i+2] += src[i+2] * src[i+2] * scale
		dst[i+3] += src[i+3] * src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * src[i] * scale
	}
}

// MulDiv performs dst = a * b / c.
func MulDiv(dst, a, b, c []float32) {
	a, b, c = a[:len(dst)], b[:len(dst)], c[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] * b[i] / c[i]
		dst[i+1] = a[i+1] * b[i+1] / c[i+1]
		dst[i+2] = a[i+2] * b[i+2] / c[i+2]
		dst[i+3] = a[i+3] * b[i+3] / c[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] * b[i] / c[i]
	}
}

// Square performs dst = src * src.
func Square(dst, src []float32) {
	src = src[:len(dst)]
	for i, v := range src {
		dst[i] = v * v
	}
}

// Dot returns the dot product of a and b, accumulated in float64.
func Dot(a, b []float32) float64 {
	b = b[:len(a)]
	var s0, s1, s2, s3 float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		s0 += float64(a[i]) * float64(b[i])
		s1 += float64(a[i+1]) * float64(b[i+1])
		s2 += float64(a[i+2]) * float64(b[i+2])
		s3 += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < len(a); i++ {
		s0 += float64(a[i]) * float64(b[i])
	}
	return s0 + s1 + s2 + s3
}
