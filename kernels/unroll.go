package kernels

// Host-side operand preparation for the gemm opcodes. The device never
// unrolls; it expects these layouts in guest memory.

// Unroll2D writes the receptive field of every cell of the sizeM x sizeM grid
// m as one row of a, so a holds sizeM^2 rows of sizeK^2 elements. Neighbours
// outside the grid are stored as zero.
func Unroll2D(a, m []float32, sizeM, sizeK int) {
	half := sizeK / 2
	window := sizeK * sizeK
	for i := 0; i < sizeM; i++ {
		for j := 0; j < sizeM; j++ {
			row := a[(i*sizeM+j)*window : (i*sizeM+j+1)*window]
			for w := 0; w < sizeK; w++ {
				for x := 0; x < sizeK; x++ {
					mi, mj := i+w-half, j+x-half
					if mi < 0 || mi >= sizeM || mj < 0 || mj >= sizeM {
						row[w*sizeK+x] = 0
						continue
					}
					row[w*sizeK+x] = m[mi*sizeM+mj]
				}
			}
		}
	}
}

// Unroll3D is Unroll2D for an sizeM^3 volume and an sizeK^3 kernel.
func Unroll3D(a, m []float32, sizeM, sizeK int) {
	half := sizeK / 2
	plane := sizeM * sizeM
	kplane := sizeK * sizeK
	window := kplane * sizeK
	for i := 0; i < sizeM; i++ {
		for j := 0; j < sizeM; j++ {
			for w := 0; w < sizeM; w++ {
				cell := i*plane + j*sizeM + w
				row := a[cell*window : (cell+1)*window]
				for x := 0; x < sizeK; x++ {
					for y := 0; y < sizeK; y++ {
						for z := 0; z < sizeK; z++ {
							mi, mj, mw := i+x-half, j+y-half, w+z-half
							idx := x*kplane + y*sizeK + z
							if mi < 0 || mi >= sizeM || mj < 0 || mj >= sizeM || mw < 0 || mw >= sizeM {
								row[idx] = 0
								continue
							}
							row[idx] = m[mi*plane+mj*sizeM+mw]
						}
					}
				}
			}
		}
	}
}

// UnrollPool gathers each non-overlapping sizeK x sizeK window of m into a
// contiguous run of a, ordered by output cell. sizeK must divide sizeM.
func UnrollPool(a, m []float32, sizeM, sizeK int) {
	cells := sizeM / sizeK
	window := sizeK * sizeK
	for i := 0; i < cells; i++ {
		for j := 0; j < cells; j++ {
			base := (i*sizeM/sizeK + j) * window
			for w := 0; w < sizeK; w++ {
				for x := 0; x < sizeK; x++ {
					a[base+w*sizeK+x] = m[(i*sizeK+w)*sizeM+j*sizeK+x]
				}
			}
		}
	}
}

// Transpose writes the transpose of the n x n matrix m into a.
func Transpose(a, m []float32, n int) {
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[j*n+i] = m[i*n+j]
		}
	}
}
