package main

import "fmt"

const maxNameLen = 255

// validateFileName enforces the server's name policy: a single path component
// made of ASCII letters, digits, '.', '_' and '-'. It never touches the
// filesystem.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidFileName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFileName, maxNameLen)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	for i := 0; i < len(name); i++ {
		if !allowedNameByte(name[i]) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidFileName, name, name[i])
		}
	}
	return nil
}

func allowedNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}
