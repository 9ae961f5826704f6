package encoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const CanonicalCharset = "utf-8"

// Encoder turns relay payloads into JSON literals that can sit inside an
// inline <script>. JSON is always produced from UTF-8 text and escaped down
// to ASCII, then re-expressed in the configured output charset.
type Encoder struct {
	charset  string
	encoding encoding.Encoding
}

func New(charset string) (*Encoder, error) {
	if strings.TrimSpace(charset) == "" {
		return &Encoder{charset: CanonicalCharset}, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	if name == CanonicalCharset {
		return &Encoder{charset: CanonicalCharset}, nil
	}
	return &Encoder{charset: name, encoding: enc}, nil
}

func MustNew(charset string) *Encoder {
	enc, err := New(charset)
	if err != nil {
		panic(err)
	}
	return enc
}

func (e *Encoder) Charset() string {
	if e == nil {
		return CanonicalCharset
	}
	return e.charset
}

func (e *Encoder) canonical() bool {
	return e == nil || e.encoding == nil
}

// Literal encodes v. String leaves are taken to be in the output charset.
func (e *Encoder) Literal(v any) (string, error) {
	if !e.canonical() {
		converted, err := transcode(v, e.toUTF8)
		if err != nil {
			return "", err
		}
		v = converted
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	literal := asciiEscape(strings.TrimSuffix(buf.String(), "\n"))
	if e.canonical() {
		return literal, nil
	}
	return e.fromUTF8(literal)
}

// Pair renders the two invocation arguments "<content>, <dumps>".
func (e *Encoder) Pair(content string, dumps map[string]any) (string, error) {
	contentLiteral, err := e.Literal(content)
	if err != nil {
		return "", err
	}
	if dumps == nil {
		dumps = map[string]any{}
	}
	dumpsLiteral, err := e.Literal(dumps)
	if err != nil {
		return "", err
	}
	return contentLiteral + ", " + dumpsLiteral, nil
}

// Statement renders "<target>.<method>(<content>, <dumps>);".
func (e *Encoder) Statement(target string, method string, content string, dumps map[string]any) (string, error) {
	args, err := e.Pair(content, dumps)
	if err != nil {
		return "", err
	}
	return target + "." + method + "(" + args + ");", nil
}

// DecodePair is the inverse of Pair; string leaves come back in the output
// charset.
func (e *Encoder) DecodePair(args string) (string, map[string]any, error) {
	if !e.canonical() {
		converted, err := e.toUTF8(args)
		if err != nil {
			return "", nil, err
		}
		args = converted
	}
	dec := json.NewDecoder(strings.NewReader(args))
	var content string
	if err := dec.Decode(&content); err != nil {
		return "", nil, fmt.Errorf("decode content: %w", err)
	}
	rest := strings.TrimSpace(args[dec.InputOffset():])
	if !strings.HasPrefix(rest, ",") {
		return "", nil, errors.New("decode: missing argument separator")
	}
	var dumps map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(rest, ",")), &dumps); err != nil {
		return "", nil, fmt.Errorf("decode dumps: %w", err)
	}
	if e.canonical() {
		return content, dumps, nil
	}
	content, err := e.fromUTF8(content)
	if err != nil {
		return "", nil, err
	}
	converted, err := transcode(dumps, e.fromUTF8)
	if err != nil {
		return "", nil, err
	}
	dumps, _ = converted.(map[string]any)
	return content, dumps, nil
}

func (e *Encoder) toUTF8(s string) (string, error) {
	out, err := e.encoding.NewDecoder().String(s)
	if err != nil {
		return "", fmt.Errorf("transcode from %s: %w", e.charset, err)
	}
	return out, nil
}

func (e *Encoder) fromUTF8(s string) (string, error) {
	out, err := e.encoding.NewEncoder().String(s)
	if err != nil {
		return "", fmt.Errorf("transcode to %s: %w", e.charset, err)
	}
	return out, nil
}

func transcode(v any, convert func(string) (string, error)) (any, error) {
	switch value := v.(type) {
	case string:
		return convert(value)
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			convertedKey, err := convert(key)
			if err != nil {
				return nil, err
			}
			converted, err := transcode(item, convert)
			if err != nil {
				return nil, err
			}
			out[convertedKey] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			converted, err := transcode(item, convert)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

// asciiEscape rewrites every non-ASCII rune of a JSON text as \uXXXX. Such
// runes only occur inside string literals, so the result stays valid JSON.
func asciiEscape(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for _, r := range s {
		switch {
		case r < utf8.RuneSelf:
			b.WriteRune(r)
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String()
}
