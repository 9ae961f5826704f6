package encoder

import (
	"reflect"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func TestLiteralIsScriptSafe(t *testing.T) {
	enc := MustNew("")
	literal, err := enc.Literal("</script><!-- & \u2028 \u0161 \U0001F600")
	if err != nil {
		t.Fatalf("literal: %v", err)
	}
	for _, forbidden := range []string{"</", "<!--", "&", "\u2028", "\u0161", "\U0001F600"} {
		if strings.Contains(literal, forbidden) {
			t.Fatalf("literal %s contains %q", literal, forbidden)
		}
	}
	if !strings.Contains(literal, `\ud83d\ude00`) {
		t.Fatalf("astral rune should be a surrogate pair: %s", literal)
	}
	if !strings.Contains(literal, `\u0161`) {
		t.Fatalf("non-ASCII rune should be escaped: %s", literal)
	}
}

func TestStatement(t *testing.T) {
	enc := MustNew("UTF-8")
	stmt, err := enc.Statement("Debugbar.Bar", "loadAjax", "<b>hi</b>", nil)
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	want := `Debugbar.Bar.loadAjax("\u003cb\u003ehi\u003c/b\u003e", {});`
	if stmt != want {
		t.Fatalf("statement = %s, want %s", stmt, want)
	}
}

func TestCanonicalAliases(t *testing.T) {
	for _, name := range []string{"", "utf-8", "UTF-8", "utf8"} {
		enc, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if enc.Charset() != CanonicalCharset {
			t.Fatalf("New(%q) charset = %s", name, enc.Charset())
		}
	}
	if _, err := New("klingon-8"); err == nil {
		t.Fatalf("unknown charset accepted")
	}
}

func TestRoundTripNonCanonical(t *testing.T) {
	cases := []struct {
		charset string
		text    string
	}{
		{"windows-1250", "Žluťoučký kůň úpěl ďábelské ódy"},
		{"iso-8859-2", "Příliš žluťoučký kůň"},
		{"windows-1252", "Café crème à la carte"},
	}
	for _, tc := range cases {
		t.Run(tc.charset, func(t *testing.T) {
			enc := MustNew(tc.charset)
			if enc.Charset() == CanonicalCharset {
				t.Fatalf("%s resolved to the canonical charset", tc.charset)
			}
			native, err := enc.fromUTF8(tc.text)
			if err != nil {
				t.Fatalf("prepare native text: %v", err)
			}
			dumps := map[string]any{
				"p1": native,
				"nested": map[string]any{
					"list": []any{native, 3.5, true, nil},
				},
			}

			args, err := enc.Pair(native, dumps)
			if err != nil {
				t.Fatalf("pair: %v", err)
			}
			content, decodedDumps, err := enc.DecodePair(args)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if content != native {
				t.Fatalf("content changed: %q != %q", content, native)
			}
			if !reflect.DeepEqual(decodedDumps, dumps) {
				t.Fatalf("dumps changed: %#v != %#v", decodedDumps, dumps)
			}
		})
	}
}

func TestNonCanonicalOutputIsTranscodedJSON(t *testing.T) {
	enc := MustNew("windows-1250")
	native, err := charmap.Windows1250.NewEncoder().String("š")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	literal, err := enc.Literal(native)
	if err != nil {
		t.Fatalf("literal: %v", err)
	}
	if literal != `"\u0161"` {
		t.Fatalf("literal = %s", literal)
	}
}

func TestRoundTripCanonical(t *testing.T) {
	enc := MustNew("")
	dumps := map[string]any{"a": "😀 ü", "b": []any{"x", float64(2)}}
	args, err := enc.Pair("obsah <div>", dumps)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	content, decoded, err := enc.DecodePair(args)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if content != "obsah <div>" || !reflect.DeepEqual(decoded, dumps) {
		t.Fatalf("round trip mismatch: %q %#v", content, decoded)
	}
}

func TestDecodePairRejectsGarbage(t *testing.T) {
	enc := MustNew("")
	if _, _, err := enc.DecodePair(`"only content"`); err == nil {
		t.Fatalf("missing dumps accepted")
	}
}
