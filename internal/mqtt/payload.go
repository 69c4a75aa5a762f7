package mqtt

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/vmihailenco/msgpack/v5"
)

// timestampKeys are the record keys accepted for the record timestamp.
var timestampKeys = []string{"t", "time", "timestamp"}

// decodeRecords decodes a payload holding a single record or an array of
// records. MessagePack is tried first, then JSON.
func decodeRecords(payload []byte) ([]models.Record, error) {
	var data interface{}
	if err := msgpack.Unmarshal(payload, &data); err == nil {
		if records, err := toRecords(data); err == nil {
			return records, nil
		}
	}
	data = nil
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode payload as MessagePack or JSON: %w", err)
	}
	return toRecords(data)
}

func toRecords(data interface{}) ([]models.Record, error) {
	switch v := data.(type) {
	case map[string]interface{}:
		return []models.Record{mapToRecord(v)}, nil
	case []interface{}:
		records := make([]models.Record, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected array element type: %T", item)
			}
			records = append(records, mapToRecord(m))
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unexpected payload type: %T", data)
	}
}

// mapToRecord reads the timestamp, fields and authority from a decoded
// document. Without a "fields" object every other key is treated as a field.
func mapToRecord(m map[string]interface{}) models.Record {
	rec := models.Record{Authority: m["authority"]}
	for _, k := range timestampKeys {
		if v, ok := m[k]; ok {
			rec.T = v
			break
		}
	}
	if fields, ok := m["fields"].(map[string]interface{}); ok {
		rec.Fields = fields
		return rec
	}
	rec.Fields = make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "authority" || k == "fields" || slices.Contains(timestampKeys, k) {
			continue
		}
		rec.Fields[k] = v
	}
	return rec
}

// normalizeTimestamp converts a timestamp in s, ms, us, or ns to ns, inferring
// the unit from its magnitude. Non-positive values resolve to now.
func normalizeTimestamp(ts int64, now telem.TimeStamp) telem.TimeStamp {
	switch {
	case ts <= 0:
		return now
	case ts > 1e18:
		return telem.TimeStamp(ts)
	case ts > 1e15:
		return telem.TimeStamp(ts * 1_000)
	case ts > 1e12:
		return telem.TimeStamp(ts * 1_000_000)
	default:
		return telem.TimeStamp(ts * 1_000_000_000)
	}
}

// schema resolves record fields to channels by decimal key or by name.
type schema struct {
	channels map[string]models.Channel
	index    models.ChannelKey
}

func newSchema(channels []models.Channel, index models.ChannelKey) *schema {
	s := &schema{channels: make(map[string]models.Channel, 2*len(channels)), index: index}
	for _, ch := range channels {
		s.channels[ch.Key.String()] = ch
		if ch.Name != "" {
			s.channels[ch.Name] = ch
		}
	}
	return s
}

func (s *schema) lookup(field string) (models.Channel, bool) {
	ch, ok := s.channels[field]
	return ch, ok
}

// toFrame converts a record into a frame holding one sample per field, plus
// the record timestamp on the index channel, and the authority change the
// record carries.
func (s *schema) toFrame(rec models.Record, now telem.TimeStamp) (models.Frame, models.Authorities, error) {
	ts := now
	if rec.T != nil {
		raw, ok := toInt64(rec.T)
		if !ok {
			return models.Frame{}, models.Authorities{}, errs.Validationf("invalid timestamp %v", rec.T)
		}
		ts = normalizeTimestamp(raw, now)
	}
	tr := telem.TimeRange{Start: ts, End: ts + 1}

	fr := models.AllocFrame(len(rec.Fields) + 1)
	for _, field := range slices.Sorted(maps.Keys(rec.Fields)) {
		ch, ok := s.lookup(field)
		if !ok {
			return models.Frame{}, models.Authorities{}, errs.NotFoundf("unknown channel %q", field)
		}
		if ch.Key == s.index {
			continue
		}
		if fr.Has(ch.Key) {
			return models.Frame{}, models.Authorities{}, errs.Validationf("channel %d set more than once", ch.Key)
		}
		series, err := seriesFor(ch.DataType, rec.Fields[field], now)
		if err != nil {
			return models.Frame{}, models.Authorities{}, fmt.Errorf("field %q: %w", field, err)
		}
		series.TimeRange = tr
		fr.Append(ch.Key, series)
	}
	if s.index != 0 && !fr.Empty() {
		index := telem.NewTimeStamps(ts)
		index.TimeRange = tr
		fr.Append(s.index, index)
	}

	auths, err := s.toAuthorities(rec.Authority)
	if err != nil {
		return models.Frame{}, models.Authorities{}, err
	}
	return fr.Sorted(), auths, nil
}

// toAuthorities parses a single authority for every channel or a map of
// channel to authority.
func (s *schema) toAuthorities(v interface{}) (models.Authorities, error) {
	switch a := v.(type) {
	case nil:
		return models.Authorities{}, nil
	case map[string]interface{}:
		var out models.Authorities
		for _, field := range slices.Sorted(maps.Keys(a)) {
			ch, ok := s.lookup(field)
			if !ok {
				return models.Authorities{}, errs.NotFoundf("unknown channel %q in authority", field)
			}
			auth, err := toAuthority(a[field])
			if err != nil {
				return models.Authorities{}, err
			}
			out.Keys = append(out.Keys, ch.Key)
			out.Authorities = append(out.Authorities, auth)
		}
		return out, nil
	default:
		auth, err := toAuthority(a)
		if err != nil {
			return models.Authorities{}, err
		}
		return models.GlobalAuthority(auth), nil
	}
}

func toAuthority(v interface{}) (models.Authority, error) {
	n, ok := toInt64(v)
	if !ok || n < 0 || n > math.MaxUint8 {
		return 0, errs.Validationf("authority must be an integer between 0 and 255, got %v", v)
	}
	return models.Authority(n), nil
}

// seriesFor builds a single sample series of data type dt from a decoded value.
func seriesFor(dt telem.DataType, v interface{}, now telem.TimeStamp) (telem.Series, error) {
	switch dt {
	case telem.Float64T, telem.Float32T:
		f, ok := toFloat64(v)
		if !ok {
			return telem.Series{}, errs.Validationf("expected number for %s, got %T", dt, v)
		}
		return telem.NewSeriesAs(dt, f), nil
	case telem.Int64T, telem.Int32T, telem.Int16T, telem.Int8T:
		n, ok := toInt64(v)
		if !ok {
			return telem.Series{}, errs.Validationf("expected integer for %s, got %T", dt, v)
		}
		return telem.NewSeriesAs(dt, n), nil
	case telem.Uint64T, telem.Uint32T, telem.Uint16T, telem.Uint8T:
		n, ok := toUint64(v)
		if !ok {
			return telem.Series{}, errs.Validationf("expected unsigned integer for %s, got %T", dt, v)
		}
		return telem.NewSeriesAs(dt, n), nil
	case telem.TimeStampT:
		n, ok := toInt64(v)
		if !ok {
			return telem.Series{}, errs.Validationf("expected timestamp, got %T", v)
		}
		return telem.NewTimeStamps(normalizeTimestamp(n, now)), nil
	case telem.StringT, telem.BytesT:
		str, ok := v.(string)
		if !ok {
			str = fmt.Sprint(v)
		}
		s := telem.NewStringsV(str)
		s.DataType = dt
		return s, nil
	case telem.JSONT:
		return telem.NewJSON(v)
	default:
		return telem.Series{}, errs.Validationf("unsupported data type %q", dt)
	}
}

// frameToRecord encodes a frame as a record for publishing. Single sample
// series become scalar fields, longer series become arrays.
func frameToRecord(fr models.Frame) (models.Record, error) {
	rec := models.Record{Fields: make(map[string]interface{}, len(fr.Keys))}
	for i, key := range fr.Keys {
		s := fr.Series[i]
		values, err := sampleValues(s)
		if err != nil {
			return models.Record{}, fmt.Errorf("channel %d: %w", key, err)
		}
		if len(values) == 1 {
			rec.Fields[key.String()] = values[0]
		} else {
			rec.Fields[key.String()] = values
		}
		if rec.T == nil {
			if s.DataType == telem.TimeStampT && s.Len() > 0 {
				rec.T = int64(s.TimeStampAt(0))
			} else if !s.TimeRange.IsZero() {
				rec.T = int64(s.TimeRange.Start)
			}
		}
	}
	return rec, nil
}

func sampleValues(s telem.Series) ([]interface{}, error) {
	switch s.DataType {
	case telem.Float64T:
		return boxed(telem.Values[float64](s)), nil
	case telem.Float32T:
		return boxed(telem.Values[float32](s)), nil
	case telem.Int64T, telem.TimeStampT:
		return boxed(telem.Values[int64](s)), nil
	case telem.Int32T:
		return boxed(telem.Values[int32](s)), nil
	case telem.Int16T:
		return boxed(telem.Values[int16](s)), nil
	case telem.Int8T:
		return boxed(telem.Values[int8](s)), nil
	case telem.Uint64T:
		return boxed(telem.Values[uint64](s)), nil
	case telem.Uint32T:
		return boxed(telem.Values[uint32](s)), nil
	case telem.Uint16T:
		return boxed(telem.Values[uint16](s)), nil
	case telem.Uint8T:
		return boxed(telem.Values[uint8](s)), nil
	case telem.StringT, telem.BytesT:
		return boxed(s.Strings()), nil
	case telem.JSONT:
		raw := s.Strings()
		out := make([]interface{}, len(raw))
		for i, r := range raw {
			if err := json.Unmarshal([]byte(r), &out[i]); err != nil {
				return nil, fmt.Errorf("decode json sample: %w", err)
			}
		}
		return out, nil
	default:
		return nil, errs.Validationf("unsupported data type %q", s.DataType)
	}
}

func boxed[T any](values []T) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// toInt64 converts the numeric types produced by MessagePack and JSON decoding.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	if n, ok := v.(uint64); ok {
		return n, true
	}
	if f, ok := v.(float64); ok {
		if f < 0 {
			return 0, false
		}
		return uint64(f), true
	}
	n, ok := toInt64(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		i, ok := toInt64(v)
		return float64(i), ok
	}
}
