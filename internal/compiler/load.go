package compiler

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reach/internal/ir"
)

//go:embed schema/pack.schema.json
var packSchemaJSON []byte

// Load error codes.
const (
	ErrCodeNotFound    = "E001"
	ErrCodeDecode      = "E002"
	ErrCodeSchema      = "E003"
	ErrCodeCUEBuild    = "E004"
	ErrCodeUnsupported = "E005"
)

// LoadError reports a pack document that could not be read or does not
// match the pack schema.
type LoadError struct {
	Code    string
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Format is a pack document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks the format from a file extension. Directories are
// loaded as CUE instances.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue", "":
		return FormatCUE, nil
	}
	return "", &LoadError{Code: ErrCodeUnsupported, Path: path, Message: "unsupported pack file extension"}
}

// LoadFile reads a pack from a .yaml, .yml, .json or .cue file, or from a
// directory holding a CUE package. The document is checked against the
// pack schema before it is decoded.
func LoadFile(path string) (*ir.Pack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Path: path, Message: err.Error()}
	}
	if info.IsDir() {
		return LoadCUE(path, "")
	}
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	if format == FormatCUE {
		return LoadCUE(filepath.Dir(path), filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Path: path, Message: err.Error()}
	}
	pack, err := LoadBytes(data, format)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) && le.Path == "" {
			le.Path = path
		}
		return nil, err
	}
	return pack, nil
}

// LoadBytes decodes a YAML or JSON pack document.
func LoadBytes(data []byte, format Format) (*ir.Pack, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
		}
	default:
		return nil, &LoadError{Code: ErrCodeUnsupported, Message: fmt.Sprintf("format %q needs LoadCUE", format)}
	}
	return decodeDocument(doc)
}

// LoadCUE builds the CUE instance in dir and decodes its "pack" field.
// When file is non-empty only that file is loaded.
func LoadCUE(dir, file string) (*ir.Pack, error) {
	args := []string{"."}
	if file != "" {
		args = []string{file}
	}
	instances := load.Instances(args, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeCUEBuild, Path: dir, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeCUEBuild, Path: dir, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeCUEBuild, Path: dir, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return decodeCUEValue(value.LookupPath(cue.ParsePath("pack")))
}

// LoadCUESource compiles CUE source text and decodes its "pack" field.
func LoadCUESource(src string) (*ir.Pack, error) {
	value := cuecontext.New().CompileString(src)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeCUEBuild, Message: fmt.Sprintf("compiling CUE: %v", err)}
	}
	return decodeCUEValue(value.LookupPath(cue.ParsePath("pack")))
}

func decodeCUEValue(v cue.Value) (*ir.Pack, error) {
	if !v.Exists() {
		return nil, &LoadError{Code: ErrCodeDecode, Message: "CUE instance has no pack field", Pos: v.Pos()}
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Code: ErrCodeCUEBuild, Message: err.Error(), Pos: v.Pos()}
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error(), Pos: v.Pos()}
	}
	return LoadBytes(raw, FormatJSON)
}

var (
	packSchemaOnce sync.Once
	packSchema     *jsonschema.Schema
	packSchemaErr  error
)

func compiledPackSchema() (*jsonschema.Schema, error) {
	packSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(packSchemaJSON, &doc); err != nil {
			packSchemaErr = fmt.Errorf("unmarshal pack schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("pack.schema.json", doc); err != nil {
			packSchemaErr = fmt.Errorf("add pack schema: %w", err)
			return
		}
		packSchema, packSchemaErr = c.Compile("pack.schema.json")
	})
	return packSchema, packSchemaErr
}

// ValidateDocument checks a decoded document against the pack schema.
func ValidateDocument(doc any) error {
	sch, err := compiledPackSchema()
	if err != nil {
		return err
	}
	// Round-trip through encoding/json so YAML shapes (map[any]any, int)
	// become the JSON value types the validator expects.
	v, err := ir.FromAny(doc)
	if err != nil {
		return &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}
	raw, err := ir.MarshalCanonical(v)
	if err != nil {
		return &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return &LoadError{Code: ErrCodeSchema, Message: err.Error()}
	}
	return nil
}

func decodeDocument(doc any) (*ir.Pack, error) {
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}
	v, err := ir.FromAny(doc)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}
	raw, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}
	var pack ir.Pack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: err.Error()}
	}
	return &pack, nil
}
