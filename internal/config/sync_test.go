// SPDX-License-Identifier: MPL-2.0

package config

import (
	"reflect"
	"strings"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// These tests keep the Go struct JSON tags and the CUE schema field names
// aligned, so a renamed key cannot silently stop being read.

func cueFields(t *testing.T, definition string) map[string]bool {
	t.Helper()

	schema := cuecontext.New().CompileBytes(configSchema)
	if err := schema.Err(); err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if err := def.Err(); err != nil {
		t.Fatalf("lookup %s: %v", definition, err)
	}

	iter, err := def.Fields(cue.Definitions(false), cue.Optional(true))
	if err != nil {
		t.Fatalf("iterate %s: %v", definition, err)
	}
	fields := make(map[string]bool)
	for iter.Next() {
		sel := iter.Selector()
		if sel.LabelType().IsHidden() || sel.IsDefinition() {
			continue
		}
		fields[strings.TrimSuffix(sel.String(), "?")] = true
	}
	return fields
}

func goFields(t *testing.T, typ reflect.Type) map[string]bool {
	t.Helper()

	fields := make(map[string]bool)
	for i := range typ.NumField() {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields[name] = true
	}
	return fields
}

func TestSchemaSync(t *testing.T) {
	t.Parallel()

	tests := []struct {
		definition string
		typ        reflect.Type
	}{
		{"#Config", reflect.TypeFor[Config]()},
		{"#SchedulerConfig", reflect.TypeFor[SchedulerConfig]()},
		{"#ChannelConfig", reflect.TypeFor[ChannelConfig]()},
		{"#PermissionsConfig", reflect.TypeFor[PermissionsConfig]()},
		{"#ShellConfig", reflect.TypeFor[ShellConfig]()},
		{"#LogConfig", reflect.TypeFor[LogConfig]()},
		{"#MetricsConfig", reflect.TypeFor[MetricsConfig]()},
	}

	for _, tt := range tests {
		t.Run(tt.definition, func(t *testing.T) {
			t.Parallel()

			schema := cueFields(t, tt.definition)
			fields := goFields(t, tt.typ)
			for name := range schema {
				if !fields[name] {
					t.Errorf("CUE field %q has no Go JSON tag in %s", name, tt.typ.Name())
				}
			}
			for name := range fields {
				if !schema[name] {
					t.Errorf("Go JSON tag %q of %s is missing from %s", name, tt.typ.Name(), tt.definition)
				}
			}
		})
	}
}
