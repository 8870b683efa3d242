package kernels

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("vector length mismatch")
	}

	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MatMul computes result = a x b for an aRows x aCols matrix a and an
// aCols x bCols matrix b, all row-major.
func MatMul(a []float32, aRows, aCols int, b []float32, bCols int, result []float32) {
	if len(a) < aRows*aCols || len(b) < aCols*bCols || len(result) < aRows*bCols {
		panic("matrix data insufficient")
	}

	for i := 0; i < aRows; i++ {
		for j := 0; j < bCols; j++ {
			var sum float32
			for k := 0; k < aCols; k++ {
				sum += a[i*aCols+k] * b[k*bCols+j]
			}
			result[i*bCols+j] = sum
		}
	}
}

// MatMulTransposed computes result = a x bT^T for n x n matrices, where bT
// holds the transpose of the right-hand operand.
func MatMulTransposed(a, bT, result []float32, n int) {
	if len(a) < n*n || len(bT) < n*n || len(result) < n*n {
		panic("matrix data insufficient")
	}

	for i := 0; i < n; i++ {
		row := a[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			result[i*n+j] = Dot(row, bT[j*n:(j+1)*n])
		}
	}
}
