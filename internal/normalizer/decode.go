package normalizer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
)

// Decoder turns raw tool output bytes into UTF-8 text
type Decoder struct {
	Name   string
	Decode func([]byte) (string, error)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var errInvalidEncoding = errors.New("invalid byte sequence")

// DefaultDecoders is tried in order; the first success wins
var DefaultDecoders = []Decoder{
	{Name: "utf-8", Decode: decodeUTF8},
	{Name: "cp932", Decode: decodeShiftJIS},
	{Name: "latin-1", Decode: decodeLatin1},
}

func decodeUTF8(b []byte) (string, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if !utf8.Valid(b) {
		return "", errInvalidEncoding
	}
	return string(b), nil
}

// decodeShiftJIS rejects input the decoder had to patch with replacement characters
func decodeShiftJIS(b []byte) (string, error) {
	out, err := japanese.ShiftJIS.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	s := string(out)
	if strings.ContainsRune(s, utf8.RuneError) {
		return "", errInvalidEncoding
	}
	return s, nil
}

func decodeLatin1(b []byte) (string, error) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// decodeText runs the decoder chain and reports which one succeeded
func decodeText(b []byte, decoders []Decoder) (string, string, error) {
	for _, d := range decoders {
		s, err := d.Decode(b)
		if err == nil {
			return s, d.Name, nil
		}
	}
	return "", "", fmt.Errorf("no decoder accepted the input")
}
