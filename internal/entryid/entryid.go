// Package entryid handles canonical traced-function identifiers of the form
// "relative/path.py::functionName" and symbolic "function:line" stop locations.
package entryid

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const separator = "::"

var (
	idPattern       = regexp.MustCompile(`^[^:\s][^:]*::[A-Za-z_][A-Za-z0-9_.<>]*$`)
	locationPattern = regexp.MustCompile(`^([A-Za-z_<][A-Za-z0-9_.<>]*):([0-9]+)$`)
)

// Normalize returns the canonical form of raw: trimmed, forward slashes, no
// leading "./", cleaned path component.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "\\", "/")
	file, name, ok := strings.Cut(s, separator)
	if !ok {
		return s
	}
	if file != "" {
		file = strings.TrimPrefix(path.Clean(file), "./")
	}
	return file + separator + strings.TrimSpace(name)
}

func Validate(id string) error {
	id = Normalize(id)
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid entry id %q", id)
	}
	return nil
}

// Split returns the file and function name of id.
func Split(id string) (file string, name string, err error) {
	id = Normalize(id)
	if err := Validate(id); err != nil {
		return "", "", err
	}
	file, name, _ = strings.Cut(id, separator)
	return file, name, nil
}

// Join builds an id from a file and function name.
func Join(file, name string) string {
	return Normalize(file + separator + name)
}

// FunctionName returns the unqualified function name of id, or id itself
// when it is not a valid entry id.
func FunctionName(id string) string {
	_, name, err := Split(id)
	if err != nil {
		return id
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Location builds the symbolic stop location "function:line".
func Location(function string, line int) string {
	return function + ":" + strconv.Itoa(line)
}

// ParseLocation splits a symbolic stop location.
func ParseLocation(loc string) (function string, line int, err error) {
	m := locationPattern.FindStringSubmatch(strings.TrimSpace(loc))
	if m == nil {
		return "", 0, fmt.Errorf("invalid stop location %q", loc)
	}
	line, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid stop location %q: %w", loc, err)
	}
	return m[1], line, nil
}
