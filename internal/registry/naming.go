package registry

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/joegoldin/pamix/internal/pulse"
)

// Some clients publish these instead of anything descriptive; such streams
// get a counter suffix instead.
var placeholderNames = []string{"audio stream", "AudioStream"}

// namer derives display names from remote property lists.
type namer struct {
	decode       func([]byte) string
	useMediaName bool
	counter      int
}

func newNamer(encName string, useMediaName bool) (*namer, error) {
	decode, err := newDecoder(encName)
	if err != nil {
		return nil, err
	}
	return &namer{decode: decode, useMediaName: useMediaName}, nil
}

// newDecoder builds the sanitizer for remote property bytes: NUL bytes are
// dropped, the rest is decoded with the named charset, and anything that
// does not decode is stripped.
func newDecoder(encName string) (func([]byte) string, error) {
	if encName == "" || strings.EqualFold(encName, "utf-8") || strings.EqualFold(encName, "utf8") {
		return func(b []byte) string {
			return strings.ToValidUTF8(string(dropNUL(b)), "")
		}, nil
	}
	enc, err := ianaindex.IANA.Encoding(encName)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unknown encoding %q", encName)
	}
	return func(b []byte) string {
		return strings.ReplaceAll(decodeLossy(enc, dropNUL(b)), "�", "")
	}, nil
}

// decodeLossy converts b with the encoding's decoder, skipping the byte
// spans that do not decode instead of discarding the whole string.
func decodeLossy(enc encoding.Encoding, b []byte) string {
	var out strings.Builder
	for len(b) > 0 {
		s, n, err := transform.Bytes(enc.NewDecoder(), b)
		out.Write(s)
		if err == nil {
			break
		}
		if n < len(b) {
			n++ // step over the byte the decoder refused
		}
		b = b[n:]
	}
	return out.String()
}

func dropNUL(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != 0 {
			out = append(out, c)
		}
	}
	return out
}

func (n *namer) prop(props map[string][]byte, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	return n.decode(v), true
}

// unique appends the next counter value, keeping names distinct.
func (n *namer) unique(name string) string {
	n.counter++
	return name + " #" + strconv.Itoa(n.counter)
}

func isPlaceholder(name string) bool {
	for _, p := range placeholderNames {
		if name == p {
			return true
		}
	}
	return false
}

// name derives the display name for an object of the given kind. The
// parenthesized extension is appended only when every property it needs is
// present.
func (n *namer) name(kind pulse.Kind, props map[string][]byte) string {
	if kind == pulse.KindStream {
		return n.streamName(props)
	}
	return n.deviceName(props)
}

func (n *namer) streamName(props map[string][]byte) string {
	if n.useMediaName {
		if media, ok := n.prop(props, "media.name"); ok && !isPlaceholder(media) {
			return media
		}
	}
	name, ok := n.prop(props, "application.name")
	if !ok {
		// A synthetic stream with a non-descriptive name.
		media, _ := n.prop(props, "media.name")
		name = n.unique(media)
	}
	user, uok := n.prop(props, "application.process.user")
	host, hok := n.prop(props, "application.process.host")
	pid, pok := n.prop(props, "application.process.id")
	if uok && hok && pok {
		name = fmt.Sprintf("%s (%s@%s:%s)", name, user, host, pid)
	}
	return name
}

func (n *namer) deviceName(props map[string][]byte) string {
	name, ok := n.prop(props, "alsa.id")
	if !ok {
		api, aok := n.prop(props, "device.api")
		str, sok := n.prop(props, "device.string")
		if aok && sok {
			name = api + "." + str
		} else {
			desc, _ := n.prop(props, "device.description")
			name = n.unique(desc)
		}
	}
	profile, pok := n.prop(props, "device.profile.name")
	driver, dok := n.prop(props, "alsa.driver_name")
	if pok && dok {
		name = fmt.Sprintf("%s (%s@%s)", name, profile, driver)
	}
	return name
}
