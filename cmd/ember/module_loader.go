package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"ember/internal/bytecode"
)

// loadedModule is a decoded module plus the source files its line tables
// name, for error excerpts.
type loadedModule struct {
	Module *bytecode.Module
	Files  map[string][]byte
}

// loadModule reads a binary module, recognized by its magic, or assembles
// a text one.
func loadModule(path string) (*loadedModule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	var mod *bytecode.Module
	if isBinaryModule(data) {
		mod, err = bytecode.Decode(data)
	} else {
		mod, err = bytecode.Assemble(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &loadedModule{Module: mod, Files: sourceFiles(mod, filepath.Dir(path))}, nil
}

func isBinaryModule(data []byte) bool {
	return bytes.HasPrefix(data, []byte(bytecode.Magic))
}

// sourceFiles reads every file named by a function's line table, resolving
// relative names against dir. Missing files are skipped.
func sourceFiles(mod *bytecode.Module, dir string) map[string][]byte {
	files := map[string][]byte{}
	seen := map[string]bool{}
	for _, fn := range mod.Functions {
		if fn.File == "" || seen[fn.File] {
			continue
		}
		seen[fn.File] = true
		p := fn.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		files[fn.File] = data
	}
	return files
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
