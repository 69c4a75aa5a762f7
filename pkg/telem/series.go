package telem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

const newline = '\n'

// Sample is the set of Go types that can be stored in a fixed-width series.
type Sample interface {
	~float64 | ~float32 | ~int64 | ~int32 | ~int16 | ~int8 |
		~uint64 | ~uint32 | ~uint16 | ~uint8
}

// Series is a strongly typed array of samples for a single channel, backed by a raw
// byte buffer.
type Series struct {
	// DataType is the type of the samples in Data.
	DataType DataType
	// Data is the raw sample buffer. Fixed-width samples are encoded using ByteOrder,
	// variable-width samples are newline terminated.
	Data []byte
	// TimeRange is the time range occupied by the series. Optional.
	TimeRange TimeRange
	// Alignment correlates the series with series from other channels.
	Alignment Alignment
}

// Len returns the number of samples in the series.
func (s Series) Len() int64 {
	if s.DataType.IsVariable() {
		return int64(bytes.Count(s.Data, []byte{newline}))
	}
	return s.DataType.Density().SampleCount(int64(len(s.Data)))
}

// Size returns the number of bytes in the series buffer.
func (s Series) Size() int64 { return int64(len(s.Data)) }

// Empty returns true if the series holds no samples.
func (s Series) Empty() bool { return len(s.Data) == 0 }

// DeepCopy returns a copy of the series that shares no memory with the original.
func (s Series) DeepCopy() Series {
	cp := s
	if s.Data != nil {
		cp.Data = make([]byte, len(s.Data))
		copy(cp.Data, s.Data)
	}
	return cp
}

// Equal returns true if the two series hold identical data and metadata.
func (s Series) Equal(other Series) bool {
	return s.DataType == other.DataType &&
		s.TimeRange == other.TimeRange &&
		s.Alignment == other.Alignment &&
		bytes.Equal(s.Data, other.Data)
}

func (s Series) String() string {
	return fmt.Sprintf("Series{type=%s, len=%d, tr=%s, alignment=%d}", s.DataType, s.Len(), s.TimeRange, s.Alignment)
}

// InferDataType returns the data type corresponding to the Go sample type T.
func InferDataType[T Sample]() DataType {
	var v T
	switch any(v).(type) {
	case TimeStamp:
		return TimeStampT
	case float64:
		return Float64T
	case float32:
		return Float32T
	case int64:
		return Int64T
	case int32:
		return Int32T
	case int16:
		return Int16T
	case int8:
		return Int8T
	case uint64:
		return Uint64T
	case uint32:
		return Uint32T
	case uint16:
		return Uint16T
	case uint8:
		return Uint8T
	}
	return UnknownT
}

// NewSeries allocates a series from the given slice, inferring its data type.
func NewSeries[T Sample](data []T) Series {
	dt := InferDataType[T]()
	density := dt.Density()
	buf := make([]byte, density.Size(int64(len(data))))
	for i, v := range data {
		putSample(buf[int64(i)*int64(density):], dt, v)
	}
	return Series{DataType: dt, Data: buf}
}

// NewSeriesAs allocates a fixed-width series of data type dt, converting each
// value. It panics if dt is not a fixed-width type.
func NewSeriesAs[T Sample](dt DataType, data ...T) Series {
	density := dt.Density()
	if density == DensityUnknown {
		panic(fmt.Sprintf("cannot allocate numeric series of type %s", dt))
	}
	buf := make([]byte, density.Size(int64(len(data))))
	for i, v := range data {
		putSample(buf[int64(i)*int64(density):], dt, v)
	}
	return Series{DataType: dt, Data: buf}
}

// NewSeriesV is a variadic form of NewSeries.
func NewSeriesV[T Sample](data ...T) Series { return NewSeries(data) }

// NewTimeStamps allocates a timestamp series.
func NewTimeStamps(stamps ...TimeStamp) Series { return NewSeries(stamps) }

// NewStrings allocates a string series. Strings must not contain newlines.
func NewStrings(values []string) Series {
	var b bytes.Buffer
	for _, v := range values {
		b.WriteString(v)
		b.WriteByte(newline)
	}
	return Series{DataType: StringT, Data: b.Bytes()}
}

// NewStringsV is a variadic form of NewStrings.
func NewStringsV(values ...string) Series { return NewStrings(values) }

// NewJSON allocates a JSON series by marshalling each value.
func NewJSON(values ...any) (Series, error) {
	var b bytes.Buffer
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return Series{}, fmt.Errorf("marshal json sample: %w", err)
		}
		b.Write(raw)
		b.WriteByte(newline)
	}
	return Series{DataType: JSONT, Data: b.Bytes()}, nil
}

// Strings returns the samples of a variable-width series as strings.
func (s Series) Strings() []string {
	if !s.DataType.IsVariable() {
		return nil
	}
	parts := bytes.Split(s.Data, []byte{newline})
	out := make([]string, 0, len(parts))
	for _, p := range parts[:len(parts)-1] {
		out = append(out, string(p))
	}
	return out
}

// ValueAt returns the sample at index i. Negative indices count from the end.
func ValueAt[T Sample](s Series, i int) T {
	n := int(s.Len())
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		panic(fmt.Sprintf("index %d out of bounds for series of length %d", i, n))
	}
	density := int(s.DataType.Density())
	return readSample[T](s.Data[i*density:], s.DataType)
}

// Values returns all samples in the series.
func Values[T Sample](s Series) []T {
	n := int(s.Len())
	out := make([]T, n)
	for i := range n {
		out[i] = ValueAt[T](s, i)
	}
	return out
}

// TimeStampAt returns the timestamp sample at index i.
func (s Series) TimeStampAt(i int) TimeStamp { return ValueAt[TimeStamp](s, i) }

func putSample[T Sample](b []byte, dt DataType, v T) {
	switch dt {
	case Float64T:
		ByteOrder.PutUint64(b, math.Float64bits(float64(v)))
	case Float32T:
		ByteOrder.PutUint32(b, math.Float32bits(float32(v)))
	case Int64T, Uint64T, TimeStampT:
		ByteOrder.PutUint64(b, uint64(int64(v)))
	case Int32T, Uint32T:
		ByteOrder.PutUint32(b, uint32(int64(v)))
	case Int16T, Uint16T:
		ByteOrder.PutUint16(b, uint16(int64(v)))
	case Int8T, Uint8T:
		b[0] = byte(int64(v))
	}
}

func readSample[T Sample](b []byte, dt DataType) T {
	switch dt {
	case Float64T:
		return T(math.Float64frombits(ByteOrder.Uint64(b)))
	case Float32T:
		return T(math.Float32frombits(ByteOrder.Uint32(b)))
	case Int64T, TimeStampT:
		return T(int64(ByteOrder.Uint64(b)))
	case Uint64T:
		return T(ByteOrder.Uint64(b))
	case Int32T:
		return T(int32(ByteOrder.Uint32(b)))
	case Uint32T:
		return T(ByteOrder.Uint32(b))
	case Int16T:
		return T(int16(ByteOrder.Uint16(b)))
	case Uint16T:
		return T(ByteOrder.Uint16(b))
	case Int8T:
		return T(int8(b[0]))
	case Uint8T:
		return T(b[0])
	}
	return 0
}
