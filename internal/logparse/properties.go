// Package logparse decodes the self-describing header stream of network
// monitor logs and splits data lines into raw records.
package logparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinytelemetry/brocess/internal/model"
)

const (
	// HeaderMarker starts every header line.
	HeaderMarker = "#"

	closeHeader = "#close"

	labelClose     = "close"
	labelSeparator = "separator"
	labelTypes     = "types"

	// LabelFields names the header that declares the record layout.
	LabelFields = "fields"
)

// PropertySet is the header state of one file-processing session. Create
// a fresh one per file.
type PropertySet struct {
	separator    string
	hasSeparator bool

	fields []string
	types  []string
	labels map[string]string
}

// NewPropertySet returns an empty property set with no separator.
func NewPropertySet() *PropertySet {
	return &PropertySet{labels: make(map[string]string)}
}

// IsHeader reports whether line is a header line.
func IsHeader(line string) bool {
	return strings.HasPrefix(line, HeaderMarker)
}

// Separator returns the active separator and whether one has been declared.
func (p *PropertySet) Separator() (string, bool) {
	return p.separator, p.hasSeparator
}

// Fields returns the field names from the most recent fields header.
func (p *PropertySet) Fields() []string {
	return append([]string(nil), p.fields...)
}

// Types returns the type tags from the most recent types header.
func (p *PropertySet) Types() []string {
	return append([]string(nil), p.types...)
}

// Label returns the verbatim value of any other header label.
func (p *PropertySet) Label(name string) (string, bool) {
	v, ok := p.labels[name]
	return v, ok
}

// HasField reports whether name was declared in the fields header.
func (p *PropertySet) HasField(name string) bool {
	for _, f := range p.fields {
		if f == name {
			return true
		}
	}
	return false
}

// ProcessHeader applies one header line, including its leading marker, and
// returns the header's label.
func (p *PropertySet) ProcessHeader(line string) (string, error) {
	if strings.HasPrefix(line, closeHeader) {
		return labelClose, nil
	}
	line = strings.TrimPrefix(line, HeaderMarker)

	if strings.HasPrefix(line, labelSeparator) {
		sep, err := decodeSeparator(line)
		if err != nil {
			return "", err
		}
		p.separator = sep
		p.hasSeparator = true
		return labelSeparator, nil
	}

	if !p.hasSeparator {
		return "", fmt.Errorf("%w: header %q before separator was declared", model.ErrConfiguration, line)
	}
	label, value, ok := strings.Cut(line, p.separator)
	if !ok {
		return "", fmt.Errorf("%w: header %q has no separator", model.ErrParse, line)
	}

	switch label {
	case LabelFields:
		p.fields = strings.Split(value, p.separator)
	case labelTypes:
		p.types = strings.Split(value, p.separator)
	default:
		p.labels[label] = value
	}
	return label, nil
}

// decodeSeparator parses "separator \x09". Backslashes in the value become
// zeros before the hex parse, so `\x09` reads as 0x09.
func decodeSeparator(line string) (string, error) {
	parts := strings.Fields(line)
	if len(parts) != 2 || parts[0] != labelSeparator {
		return "", fmt.Errorf("%w: malformed separator header %q", model.ErrParse, line)
	}
	hex := strings.ReplaceAll(parts[1], `\`, "0")
	hex = strings.TrimPrefix(strings.TrimPrefix(hex, "0x"), "0X")
	code, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return "", fmt.Errorf("%w: separator value %q: %v", model.ErrParse, parts[1], err)
	}
	return string(rune(code)), nil
}

// Record splits a data line on the active separator and zips the tokens
// with the declared field names.
func (p *PropertySet) Record(line string) (model.RawRecord, error) {
	if !p.hasSeparator {
		return nil, fmt.Errorf("%w: data line before separator was declared", model.ErrConfiguration)
	}
	if len(p.fields) == 0 {
		return nil, fmt.Errorf("%w: data line before fields header", model.ErrParse)
	}
	tokens := strings.Split(line, p.separator)
	if len(tokens) != len(p.fields) {
		return nil, fmt.Errorf("%w: line has %d elements, should be %d", model.ErrParse, len(tokens), len(p.fields))
	}
	rec := make(model.RawRecord, len(tokens))
	for i, name := range p.fields {
		rec[name] = tokens[i]
	}
	return rec, nil
}
