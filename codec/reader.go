package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"unicode/utf8"

	"datapack-rpc/message"
)

// ErrIncomplete marks a carrier that cannot be read as JSON yet. The producer may still be
// writing it, so callers skip it quietly and wait for the next event on the same path.
var ErrIncomplete = errors.New("codec: carrier not ready")

// SchemaError reports a carrier that is complete JSON but has the wrong shape.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("codec: schema mismatch at %s: %s", e.Field, e.Reason)
}

const envelopePath = "pack.description.hover_event.components." + message.CustomDataKey

var (
	utf8BOM = []byte{0xEF, 0xBB, 0xBF}

	// Function identifiers end up verbatim in a command line.
	callbackPattern = regexp.MustCompile(`^(?:[a-z0-9_.-]+:)?[a-z0-9_./-]+$`)
)

// Reader loads and validates carrier files.
type Reader struct {
	codec Codec
}

func NewReader() *Reader {
	return &Reader{codec: GetCodec(CodecTypeJSON)}
}

// Load reads the whole file and checks it is UTF-8 encoded JSON. Every failure wraps
// ErrIncomplete: a vanished file, a half-written buffer and broken syntax all look the same
// while the producer is mid-write.
func (r *Reader) Load(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrIncomplete)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrIncomplete)
	}
	return json.RawMessage(data), nil
}

// fields is one level of the carrier. Keys are looked up exactly: encoding/json folds case
// when filling structs, which would let "PACK" or "METHOD" stand in for the real keys.
type fields map[string]json.RawMessage

// Validate applies the carrier schema and extracts the embedded envelope.
// Unknown keys are ignored at every level.
func (r *Reader) Validate(raw json.RawMessage) (*message.Envelope, error) {
	root, err := r.object("", raw)
	if err != nil {
		return nil, err
	}
	pack, err := r.object("pack", root["pack"])
	if err != nil {
		return nil, err
	}
	if _, err := r.number("pack.pack_format", pack["pack_format"]); err != nil {
		return nil, err
	}
	desc, err := r.object("pack.description", pack["description"])
	if err != nil {
		return nil, err
	}
	if err := r.literal("pack.description.text", desc["text"], message.CarrierText); err != nil {
		return nil, err
	}

	const hoverPath = "pack.description.hover_event"
	hover, err := r.object(hoverPath, desc["hover_event"])
	if err != nil {
		return nil, err
	}
	if err := r.literal(hoverPath+".id", hover["id"], message.CarrierItemID); err != nil {
		return nil, err
	}
	count, err := r.number(hoverPath+".count", hover["count"])
	if err != nil {
		return nil, err
	}
	if count != message.CarrierCount {
		return nil, mismatch(hoverPath+".count", message.CarrierCount, count)
	}
	if err := r.literal(hoverPath+".action", hover["action"], message.CarrierAction); err != nil {
		return nil, err
	}
	components, err := r.object(hoverPath+".components", hover["components"])
	if err != nil {
		return nil, err
	}
	return r.envelope(components[message.CustomDataKey])
}

func (r *Reader) envelope(data json.RawMessage) (*message.Envelope, error) {
	raw, err := r.object(envelopePath, data)
	if err != nil {
		return nil, err
	}
	id, err := r.number(envelopePath+".id", raw["id"])
	if err != nil {
		return nil, err
	}
	method, err := r.str(envelopePath+".method", raw["method"])
	if err != nil {
		return nil, err
	}

	env := &message.Envelope{
		ID:     id,
		Method: message.Method(method),
	}
	paramsPath := envelopePath + ".params"

	switch env.Method {
	case message.MethodPing:
		env.Params = message.PingParams{}

	case message.MethodChat:
		params, err := r.object(paramsPath, raw["params"])
		if err != nil {
			return nil, err
		}
		text, err := r.str(paramsPath+".message", params["message"])
		if err != nil {
			return nil, err
		}
		env.Params = message.ChatParams{Message: text}

	case message.MethodSum:
		params, err := r.object(paramsPath, raw["params"])
		if err != nil {
			return nil, err
		}
		a, err := r.number(paramsPath+".a", params["a"])
		if err != nil {
			return nil, err
		}
		b, err := r.number(paramsPath+".b", params["b"])
		if err != nil {
			return nil, err
		}
		callback, err := r.str(envelopePath+".callback", raw["callback"])
		if err != nil {
			return nil, err
		}
		if !callbackPattern.MatchString(callback) {
			return nil, &SchemaError{
				Field:  envelopePath + ".callback",
				Reason: fmt.Sprintf("invalid function identifier %q", callback),
			}
		}
		env.Params = message.SumParams{A: a, B: b}
		env.Callback = callback

	default:
		return nil, &SchemaError{
			Field:  envelopePath + ".method",
			Reason: fmt.Sprintf("unknown method %q", env.Method),
		}
	}
	return env, nil
}

// object decodes one nesting level. A missing key and an explicit null are both "missing".
func (r *Reader) object(path string, data json.RawMessage) (fields, error) {
	if isAbsent(data) {
		return nil, missing(rootOr(path))
	}
	var obj fields
	if err := r.codec.Decode(data, &obj); err != nil {
		return nil, schemaFromDecode(path, err)
	}
	return obj, nil
}

func (r *Reader) str(path string, data json.RawMessage) (string, error) {
	var v string
	if err := r.scalar(path, data, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (r *Reader) number(path string, data json.RawMessage) (float64, error) {
	var v float64
	if err := r.scalar(path, data, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (r *Reader) literal(path string, data json.RawMessage, want string) error {
	got, err := r.str(path, data)
	if err != nil {
		return err
	}
	if got != want {
		return mismatch(path, want, got)
	}
	return nil
}

func (r *Reader) scalar(path string, data json.RawMessage, v any) error {
	if isAbsent(data) {
		return missing(path)
	}
	if err := r.codec.Decode(data, v); err != nil {
		return schemaFromDecode(path, err)
	}
	return nil
}

func isAbsent(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func missing(field string) *SchemaError {
	return &SchemaError{Field: field, Reason: "missing"}
}

func mismatch(field string, want, got any) *SchemaError {
	return &SchemaError{Field: field, Reason: fmt.Sprintf("want %#v, got %#v", want, got)}
}

// schemaFromDecode turns a type error from encoding/json into a SchemaError rooted at base.
func schemaFromDecode(base string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return &SchemaError{Field: rootOr(base), Reason: err.Error()}
	}
	field := base
	if typeErr.Field != "" {
		if field != "" {
			field += "."
		}
		field += typeErr.Field
	}
	return &SchemaError{
		Field:  rootOr(field),
		Reason: fmt.Sprintf("want %s, got %s", typeErr.Type, typeErr.Value),
	}
}

func rootOr(field string) string {
	if field == "" {
		return "$"
	}
	return field
}
