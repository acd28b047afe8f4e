package sender

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// BodyPrefix precedes the JSON array in every upload body.
const BodyPrefix = "cpkg_none="

type Serialization int

const (
	// SerializationStandard encodes records with a regular JSON encoder.
	SerializationStandard Serialization = iota
	// SerializationInternal writes floats in plain decimal notation with at
	// most 15 fractional digits, never in exponent form.
	SerializationInternal
)

func (s Serialization) String() string {
	if s == SerializationInternal {
		return "internal"
	}
	return "standard"
}

// Record is one decoded event payload. Numbers are json.Number so the
// original literal survives decoding.
type Record = map[string]any

func encodePayload(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sender: serialize payload: %w", err)
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("sender: payload must be a JSON object, got %.20s", data)
	}
	return data, nil
}

func decodeRecord(blob []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("sender: record is null")
	}
	return rec, nil
}

func encodeBody(records []Record, mode Serialization) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(BodyPrefix)
	switch mode {
	case SerializationInternal:
		vals := make([]any, len(records))
		for i, r := range records {
			vals[i] = r
		}
		if err := writeInternal(&buf, vals); err != nil {
			return nil, err
		}
	default:
		data, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("sender: encode body: %w", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

const maxFractionDigits = 15

// writeInternal is the hand-written encoder behind SerializationInternal.
// Object keys are written in sorted order.
func writeInternal(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case string:
		writeString(buf, x)
	case json.Number:
		buf.WriteString(formatNumberLiteral(string(x)))
	case float64:
		buf.WriteString(formatFloat(x))
	case float32:
		buf.WriteString(formatFloat(float64(x)))
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeInternal(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeInternal(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Anything else goes through the standard encoder, then is re-read
		// so nested floats still get internal formatting.
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Errorf("sender: encode %T: %w", v, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("sender: encode %T: %w", v, err)
		}
		return writeInternal(buf, generic)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

// formatNumberLiteral keeps integer literals as they are and reformats
// anything with a fraction or exponent as a float.
func formatNumberLiteral(lit string) string {
	if !strings.ContainsAny(lit, ".eE") {
		return lit
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s)-dot-1 > maxFractionDigits {
		s = strconv.FormatFloat(f, 'f', maxFractionDigits, 64)
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		s = "0"
	}
	return s
}
