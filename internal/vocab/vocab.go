// Package vocab resolves the compiled grammar artifacts the decoder is started with.
// Producing them (mkdfa.pl and friends) happens outside this repository.
package vocab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	dfaExt  = ".dfa"
	dictExt = ".dict"
)

// Vocabulary is a handle on one compiled grammar.
type Vocabulary struct {
	Name string
	Dir  string
}

// Compiler turns a grammar name into a compiled vocabulary.
type Compiler interface {
	Compile(ctx context.Context, name string) (Vocabulary, error)
}

// DFAPath returns the finite-automaton grammar file of v.
func DFAPath(v Vocabulary) string {
	return filepath.Join(v.Dir, v.Name+dfaExt)
}

// DictPath returns the pronunciation dictionary of v.
func DictPath(v Vocabulary) string {
	return filepath.Join(v.Dir, v.Name+dictExt)
}

// DirectoryCompiler serves vocabularies that were compiled ahead of time into Dir.
type DirectoryCompiler struct {
	Dir    string
	Logger *slog.Logger
}

func NewDirectoryCompiler(dir string, log *slog.Logger) *DirectoryCompiler {
	return &DirectoryCompiler{Dir: dir, Logger: log.With(slog.String("component", "vocabulary"))}
}

func (c *DirectoryCompiler) Compile(ctx context.Context, name string) (Vocabulary, error) {
	if err := ctx.Err(); err != nil {
		return Vocabulary{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Vocabulary{}, errors.New("vocabulary name is empty")
	}
	if strings.ContainsAny(name, `/\`) {
		return Vocabulary{}, fmt.Errorf("vocabulary name %q must not contain path separators", name)
	}
	v := Vocabulary{Name: name, Dir: c.Dir}
	// Missing artifacts are left for the decoder to report.
	for _, path := range []string{DFAPath(v), DictPath(v)} {
		if _, err := os.Stat(path); err != nil && c.Logger != nil {
			c.Logger.Warn("vocabulary artifact not accessible",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
	return v, nil
}
