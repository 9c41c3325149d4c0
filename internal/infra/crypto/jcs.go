package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"equiaudit/internal/domain"
)

// maxSafeInteger is the largest integer an IEEE 754 double represents exactly.
const maxSafeInteger = 1<<53 - 1

// CanonicalizeJSON re-encodes a JSON document in RFC 8785 form: sorted object
// keys, no insignificant whitespace, ES6 number formatting.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidPayload, err)
	}
	if err := ensureEOF(dec); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeAny canonicalizes plain JSON values directly and routes any
// other Go value through encoding/json first.
func CanonicalizeAny(v any) ([]byte, error) {
	switch value := v.(type) {
	case nil, bool, string, json.Number, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, map[string]any, []any:
		buf := &bytes.Buffer{}
		if err := writeCanonical(buf, value); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case json.RawMessage:
		return CanonicalizeJSON([]byte(value))
	case []byte:
		return CanonicalizeJSON(value)
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return CanonicalizeJSON(b)
	}
}

func ensureEOF(dec *json.Decoder) error {
	var extra any
	if err := dec.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidPayload, err)
	}
	return fmt.Errorf("%w: invalid JSON: trailing data", domain.ErrInvalidPayload)
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, v)
	case json.Number:
		num, err := canonicalizeNumberString(v.String())
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float64:
		num, err := canonicalizeFloat(v)
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float32:
		num, err := canonicalizeFloat(float64(v))
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case int:
		return writeInteger(buf, int64(v))
	case int8:
		return writeInteger(buf, int64(v))
	case int16:
		return writeInteger(buf, int64(v))
	case int32:
		return writeInteger(buf, int64(v))
	case int64:
		return writeInteger(buf, v)
	case uint:
		return writeUnsigned(buf, uint64(v))
	case uint8:
		return writeUnsigned(buf, uint64(v))
	case uint16:
		return writeUnsigned(buf, uint64(v))
	case uint32:
		return writeUnsigned(buf, uint64(v))
	case uint64:
		return writeUnsigned(buf, v)
	case map[string]any:
		return writeObject(buf, v)
	case []any:
		return writeArray(buf, v)
	default:
		return writeMarshaled(buf, value)
	}
	return nil
}

// writeMarshaled brings typed slices, maps and structs nested in a plain
// value back to the decoded JSON model before writing them.
func writeMarshaled(buf *bytes.Buffer, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %T: %v", domain.ErrInvalidPayload, value, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: %T: %v", domain.ErrInvalidPayload, value, err)
	}
	return writeCanonical(buf, decoded)
}

func writeInteger(buf *bytes.Buffer, v int64) error {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return fmt.Errorf("%w: integer %d exceeds exact double range", domain.ErrInvalidPayload, v)
	}
	buf.WriteString(strconv.FormatInt(v, 10))
	return nil
}

func writeUnsigned(buf *bytes.Buffer, v uint64) error {
	if v > maxSafeInteger {
		return fmt.Errorf("%w: integer %d exceeds exact double range", domain.ErrInvalidPayload, v)
	}
	buf.WriteString(strconv.FormatUint(v, 10))
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid UTF-8 in string", domain.ErrInvalidPayload)
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

var hexLower = []byte("0123456789abcdef")

func canonicalizeNumberString(number string) (string, error) {
	if !strings.ContainsAny(number, ".eE") {
		i, err := strconv.ParseInt(number, 10, 64)
		if err != nil || i > maxSafeInteger || i < -maxSafeInteger {
			return "", fmt.Errorf("%w: integer %s exceeds exact double range", domain.ErrInvalidPayload, number)
		}
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid JSON number: %v", domain.ErrInvalidPayload, err)
	}
	return canonicalizeFloat(f)
}

func canonicalizeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite number", domain.ErrInvalidPayload)
	}
	if f == 0 {
		return "0", nil
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = math.Abs(f)
	}

	mantissa, exp, err := splitScientific(f)
	if err != nil {
		return "", err
	}

	digits := strings.ReplaceAll(mantissa, ".", "")

	if exp <= -7 || exp >= 21 {
		expStr := strconv.Itoa(exp)
		if exp > 0 {
			expStr = "+" + expStr
		}
		if len(digits) == 1 {
			return sign + digits + "e" + expStr, nil
		}
		return sign + digits[:1] + "." + digits[1:] + "e" + expStr, nil
	}

	point := exp + 1
	if point >= len(digits) {
		return sign + digits + strings.Repeat("0", point-len(digits)), nil
	}
	if point <= 0 {
		return sign + "0." + strings.Repeat("0", -point) + digits, nil
	}
	return sign + digits[:point] + "." + digits[point:], nil
}

func splitScientific(f float64) (string, int, error) {
	s := strconv.FormatFloat(f, 'e', -1, 64)
	parts := strings.SplitN(s, "e", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid float format: %q", s)
	}
	exp, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid float exponent: %w", err)
	}
	return parts[0], exp, nil
}
