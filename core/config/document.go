// Package config provides indexed-object lookup over a parsed configuration
// document.
//
// Objects in a document are addressed by integer index. Root returns the index
// of the top-level object and GetObject returns the index of a nested object,
// which can then be passed back to GetString, GetInt or GetObject.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a file or a required field is missing.
var ErrNotFound = errors.New("config not found")

// Parser is the lookup capability the station consumes.
type Parser interface {
	// Root returns the index of the top-level object.
	Root() int
	// GetString returns the string field key of object obj.
	GetString(obj int, key string) (string, bool)
	// GetInt returns the integer field key of object obj.
	GetInt(obj int, key string) (int, bool)
	// GetObject returns the index of the nested object field key of object obj.
	GetObject(obj int, key string) (int, bool)
}

// Compile-time interface check.
var _ Parser = (*Document)(nil)

// Document is a parsed JSON or YAML document.
type Document struct {
	objects  []map[string]any
	children []map[string]int
}

// Parse decodes a JSON or YAML document whose top level is an object.
func Parse(data []byte) (*Document, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	d := &Document{}
	d.add(root)
	return d, nil
}

// LoadFile reads and parses the document at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// add registers obj and its nested objects, returning obj's index.
func (d *Document) add(obj map[string]any) int {
	idx := len(d.objects)
	d.objects = append(d.objects, obj)
	d.children = append(d.children, map[string]int{})
	for k, v := range obj {
		if child, ok := v.(map[string]any); ok {
			d.children[idx][k] = d.add(child)
		}
	}
	return idx
}

func (d *Document) field(obj int, key string) (any, bool) {
	if obj < 0 || obj >= len(d.objects) {
		return nil, false
	}
	v, ok := d.objects[obj][key]
	return v, ok
}

// Root returns the index of the top-level object.
func (d *Document) Root() int {
	return 0
}

// GetString returns a string field. Scalar numbers and booleans are not
// converted.
func (d *Document) GetString(obj int, key string) (string, bool) {
	v, ok := d.field(obj, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns an integer field. Whole floating point values and numeric
// strings are accepted.
func (d *Document) GetInt(obj int, key string) (int, bool) {
	v, ok := d.field(obj, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// GetObject returns the index of a nested object.
func (d *Document) GetObject(obj int, key string) (int, bool) {
	if obj < 0 || obj >= len(d.children) {
		return 0, false
	}
	idx, ok := d.children[obj][key]
	return idx, ok
}
