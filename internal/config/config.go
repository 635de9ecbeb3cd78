// Package config loads recovery log configuration files.
//
// A file is YAML, decoded strictly so misspelled keys fail, then normalized
// (defaults and the size floor) and checked against an embedded CUE schema:
//
//	log:
//	  dir: /var/lib/rlog
//	  server_name: server1
//	  service_name: transaction
//	  service_version: 1
//	  log_name: tranlog
//	  initial_size_kb: 1024
//	  max_size_kb: 8192
//	log_level: info
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rlog/internal/recoverylog"
)

//go:embed schema.cue
var schemaSource string

// DefaultLogLevel is used when a file sets no log_level.
const DefaultLogLevel = "info"

// File is the content of a configuration file.
type File struct {
	Log      recoverylog.Config `yaml:"log" json:"log"`
	LogLevel string             `yaml:"log_level" json:"log_level"`
}

// Load reads, normalizes and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration from r, then normalizes and validates it.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Normalize fills defaults.
func (f *File) Normalize() {
	f.Log = f.Log.Normalize()
	if f.LogLevel == "" {
		f.LogLevel = DefaultLogLevel
	}
}

// Validate checks f against the schema.
func (f *File) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := ctx.Encode(f)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
