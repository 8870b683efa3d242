package core

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// FloatsToBytes converts a slice of float32 to a byte slice using LittleEndian encoding.
func FloatsToBytes(f []float32) []byte {
	result := make([]byte, len(f)*Float32Size)
	PutFloats(result, f)
	return result
}

// PutFloats encodes f into dst, which must hold len(f)*4 bytes.
func PutFloats(dst []byte, f []float32) {
	for i, val := range f {
		binary.LittleEndian.PutUint32(dst[i*4:(i+1)*4], math.Float32bits(val))
	}
}

// BytesToFloats converts a byte slice to a float32 slice using LittleEndian encoding.
// Returns an error if the byte slice length is not a multiple of 4.
func BytesToFloats(b []byte) ([]float32, error) {
	if len(b)%Float32Size != 0 {
		return nil, fmt.Errorf("byte slice length %d not multiple of 4", len(b))
	}
	result := make([]float32, len(b)/Float32Size)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : (i+1)*4]))
	}
	return result, nil
}

// Checksum returns the IEEE CRC32 of data.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ChecksumFloats returns the CRC32 of the little-endian encoding of f.
func ChecksumFloats(f []float32) uint32 {
	return Checksum(FloatsToBytes(f))
}
