package harness

import (
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/alexaandru/go-sitter-forest/c"
	"github.com/alexaandru/go-sitter-forest/cpp"

	"github.com/Sumatoshi-tech/callfang/internal/probe"
)

// Grammar names.
const (
	grammarC   = "c"
	grammarCPP = "cpp"
)

// languageFuncs maps grammar names to their tree-sitter GetLanguage
// functions.
var languageFuncs = map[string]func() unsafe.Pointer{
	grammarC:   c.GetLanguage,
	grammarCPP: cpp.GetLanguage,
}

var languageCache sync.Map

// language returns the tree-sitter Language for the given grammar name,
// or nil if not supported.
func language(name string) *sitter.Language {
	if cached, ok := languageCache.Load(name); ok {
		lang, castOK := cached.(*sitter.Language)
		if castOK {
			return lang
		}
	}

	fn, ok := languageFuncs[name]
	if !ok {
		return nil
	}

	lang := sitter.NewLanguage(fn())
	languageCache.Store(name, lang)

	return lang
}

// grammarFor picks the grammar for one source file. Headers and other
// ambiguous extensions follow the detected project language.
func grammarFor(path, projectLanguage string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return grammarC
	case ".cc", ".cpp", ".cxx", ".c++":
		return grammarCPP
	default:
		if projectLanguage == probe.LangCXX {
			return grammarCPP
		}

		return grammarC
	}
}
