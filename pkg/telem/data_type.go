package telem

import "encoding/binary"

// ByteOrder is the byte order of samples stored in a series buffer.
var ByteOrder = binary.LittleEndian

// Density is the number of bytes occupied by a single sample. Variable-width data
// types have a density of zero.
type Density int64

const (
	DensityUnknown Density = 0
	Bit64          Density = 8
	Bit32          Density = 4
	Bit16          Density = 2
	Bit8           Density = 1
)

// Size returns the number of bytes occupied by the given number of samples.
func (d Density) Size(samples int64) int64 { return samples * int64(d) }

// SampleCount returns the number of samples held in the given number of bytes.
func (d Density) SampleCount(size int64) int64 {
	if d == 0 {
		return 0
	}
	return size / int64(d)
}

// DataType is the type of the samples stored in a series.
type DataType string

const (
	UnknownT   DataType = ""
	Float64T   DataType = "float64"
	Float32T   DataType = "float32"
	Int64T     DataType = "int64"
	Int32T     DataType = "int32"
	Int16T     DataType = "int16"
	Int8T      DataType = "int8"
	Uint64T    DataType = "uint64"
	Uint32T    DataType = "uint32"
	Uint16T    DataType = "uint16"
	Uint8T     DataType = "uint8"
	TimeStampT DataType = "timestamp"
	StringT    DataType = "string"
	JSONT      DataType = "json"
	BytesT     DataType = "bytes"
)

var densities = map[DataType]Density{
	Float64T:   Bit64,
	Float32T:   Bit32,
	Int64T:     Bit64,
	Int32T:     Bit32,
	Int16T:     Bit16,
	Int8T:      Bit8,
	Uint64T:    Bit64,
	Uint32T:    Bit32,
	Uint16T:    Bit16,
	Uint8T:     Bit8,
	TimeStampT: Bit64,
}

// Density returns the density of the data type. Variable and unknown types return
// DensityUnknown.
func (dt DataType) Density() Density { return densities[dt] }

// IsVariable returns true if samples of the data type have no fixed width. Variable
// samples are stored newline-terminated.
func (dt DataType) IsVariable() bool {
	return dt == StringT || dt == JSONT || dt == BytesT
}

// IsValid returns true if the data type is known.
func (dt DataType) IsValid() bool {
	_, fixed := densities[dt]
	return fixed || dt.IsVariable()
}

func (dt DataType) String() string {
	if dt == UnknownT {
		return "unknown"
	}
	return string(dt)
}
