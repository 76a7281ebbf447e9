package transform

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/tidwall/gjson"
)

// Clients pick the key casing they want in their registration metadata.
const CasingMetadataKey = "jsonCasing"

type Casing uint8

const (
	Casing_Unchanged Casing = iota
	Casing_Camel
	Casing_Pascal
	Casing_Snake
)

func ParseCasing(value string) (Casing, error) {
	switch strings.ToLower(value) {
	case "":
		return Casing_Unchanged, nil
	case "camel", "camelcase":
		return Casing_Camel, nil
	case "pascal", "pascalcase":
		return Casing_Pascal, nil
	case "snake", "snake_case":
		return Casing_Snake, nil
	}
	return Casing_Unchanged, &hubErrors.InvalidEnumValue{EnumName: "Casing", Value: value}
}

// CasingTransformer rewrites the object keys of a JSON payload into the
// casing the receiving client asked for. Values are left untouched.
type CasingTransformer struct{}

var _ handlers.PayloadTransformer = CasingTransformer{}

func (CasingTransformer) TransformForClient(conn *message.ClientConnection, payload []byte) ([]byte, error) {
	if conn == nil || len(payload) == 0 {
		return payload, nil
	}

	casing, err := ParseCasing(conn.Metadata[CasingMetadataKey])
	if err != nil {
		return nil, err
	}
	if casing == Casing_Unchanged {
		return payload, nil
	}

	if !gjson.ValidBytes(payload) {
		return nil, &hubErrors.InvalidPayload{Reason: "payload is not valid JSON"}
	}

	buf := &bytes.Buffer{}
	writeRecased(buf, gjson.ParseBytes(payload), casing)
	return buf.Bytes(), nil
}

func writeRecased(buf *bytes.Buffer, value gjson.Result, casing Casing) {
	switch {
	case value.IsObject():
		buf.WriteByte('{')
		first := true
		value.ForEach(func(key, child gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false

			writeKey(buf, Recase(key.String(), casing))
			buf.WriteByte(':')
			writeRecased(buf, child, casing)
			return true
		})
		buf.WriteByte('}')
	case value.IsArray():
		buf.WriteByte('[')
		for i, child := range value.Array() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeRecased(buf, child, casing)
		}
		buf.WriteByte(']')
	default:
		buf.WriteString(value.Raw)
	}
}

func writeKey(buf *bytes.Buffer, key string) {
	// Marshalling a string cannot fail
	quoted, _ := json.Marshal(key)
	buf.Write(quoted)
}

// Recase converts one identifier. Word boundaries are underscores, dashes,
// spaces and lower-to-upper transitions.
func Recase(key string, casing Casing) string {
	words := splitWords(key)
	if len(words) == 0 {
		return key
	}

	switch casing {
	case Casing_Camel:
		for i, w := range words {
			if i == 0 {
				words[i] = strings.ToLower(w)
			} else {
				words[i] = capitalize(w)
			}
		}
		return strings.Join(words, "")
	case Casing_Pascal:
		for i, w := range words {
			words[i] = capitalize(w)
		}
		return strings.Join(words, "")
	case Casing_Snake:
		for i, w := range words {
			words[i] = strings.ToLower(w)
		}
		return strings.Join(words, "_")
	}
	return key
}

func capitalize(word string) string {
	runes := []rune(strings.ToLower(word))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func splitWords(key string) []string {
	words := []string{}
	current := []rune{}

	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}

	runes := []rune(key)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
			continue
		case unicode.IsUpper(r) && len(current) > 0:
			prev := runes[i-1]
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			// "userId" splits before I, "HTTPServer" splits before S
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextIsLower) {
				flush()
			}
		}
		current = append(current, r)
	}
	flush()

	return words
}
