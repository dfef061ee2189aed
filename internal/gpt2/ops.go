package gpt2

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelThreshold is the multiply-add count below which work stays on the
// calling goroutine.
const parallelThreshold = 1 << 16

// parallelFor splits [0, n) into contiguous chunks and runs fn on each.
func parallelFor(n, work int, fn func(lo, hi int)) {
	workers := runtime.GOMAXPROCS(0)
	if work < parallelThreshold || workers <= 1 || n < 2 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// linear computes dst[rows,out] = x[rows,in] @ w[in,out] + b. Weights use the
// GPT-2 Conv1D layout (input-major).
func linear(dst, x []float32, rows, in, out int, w, b []float32) {
	parallelFor(out, rows*in*out, func(lo, hi int) {
		for r := 0; r < rows; r++ {
			xr := x[r*in : (r+1)*in]
			dr := dst[r*out+lo : r*out+hi]
			copy(dr, b[lo:hi])
			for i, xv := range xr {
				if xv == 0 {
					continue
				}
				wr := w[i*out+lo : i*out+hi]
				for o := range dr {
					dr[o] += xv * wr[o]
				}
			}
		}
	})
}

// layerNorm normalizes each row of x into dst.
func layerNorm(dst, x []float32, rows, n int, gamma, beta []float32, eps float64) {
	for r := 0; r < rows; r++ {
		xr := x[r*n : (r+1)*n]
		dr := dst[r*n : (r+1)*n]
		var mean float64
		for _, v := range xr {
			mean += float64(v)
		}
		mean /= float64(n)
		var variance float64
		for _, v := range xr {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(n)
		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range xr {
			dr[i] = float32((float64(v)-mean)*inv)*gamma[i] + beta[i]
		}
	}
}

var geluCoeff = math.Sqrt(2 / math.Pi)

// geluNew is the tanh approximation of GELU used by GPT-2.
func geluNew(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Tanh(geluCoeff*(f+0.044715*f*f*f))))
	}
}

// geluExact is the erf form of GELU.
func geluExact(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Erf(f/math.Sqrt2)))
	}
}

// softmax normalizes x in place.
func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
