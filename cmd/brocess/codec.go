package main

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// iniCodec maps INI sections to nested viper keys. Keys in the DEFAULT
// section land at the top level. Only whole-line comments are recognized,
// so values such as MySQL connect strings keep their semicolons.
type iniCodec struct{}

var iniLoadOptions = ini.LoadOptions{Insensitive: true, IgnoreInlineComment: true}

func codecRegistry() viper.CodecRegistry {
	reg := viper.NewCodecRegistry()
	// RegisterCodec only fails on a nil codec.
	_ = reg.RegisterCodec("ini", iniCodec{})
	return reg
}

func (iniCodec) Decode(b []byte, v map[string]any) error {
	f, err := ini.LoadSources(iniLoadOptions, b)
	if err != nil {
		return err
	}
	for _, section := range f.Sections() {
		keys := section.KeysHash()
		if strings.EqualFold(section.Name(), ini.DefaultSection) {
			for k, val := range keys {
				v[k] = val
			}
			continue
		}
		m := make(map[string]any, len(keys))
		for k, val := range keys {
			m[k] = val
		}
		v[section.Name()] = m
	}
	return nil
}

func (iniCodec) Encode(v map[string]any) ([]byte, error) {
	f := ini.Empty(iniLoadOptions)

	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		switch val := v[name].(type) {
		case map[string]any:
			section, err := f.NewSection(name)
			if err != nil {
				return nil, err
			}
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if _, err := section.NewKey(k, cast.ToString(val[k])); err != nil {
					return nil, fmt.Errorf("key %s.%s: %w", name, k, err)
				}
			}
		default:
			if _, err := f.Section(ini.DefaultSection).NewKey(name, cast.ToString(val)); err != nil {
				return nil, fmt.Errorf("key %s: %w", name, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
