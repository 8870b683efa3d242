package kernels

import (
	"fmt"
	"strings"
)

// FormatMatrix2D renders an n x n matrix one row per line.
func FormatMatrix2D(m []float32, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			fmt.Fprintf(&sb, "%3.0f ", m[i*n+j])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FormatMatrix3D renders an n^3 volume as n lines of n bracketed slices.
func FormatMatrix3D(m []float32, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for w := 0; w < n; w++ {
			sb.WriteString("[ ")
			for j := 0; j < n; j++ {
				fmt.Fprintf(&sb, "%3.0f ", m[i*n*n+j*n+w])
			}
			sb.WriteString("] ")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
