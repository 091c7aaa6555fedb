package chunk

import (
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageConfig maps tree-sitter node kinds to chunk kinds for one language.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that open a new chunk boundary, by chunk kind.
	FunctionTypes []string
	MethodTypes   []string
	ClassTypes    []string
	TypeDefTypes  []string
	ConstTypes    []string
	VarTypes      []string

	// Node types whose identifiers count as symbol references.
	CallTypes   []string
	ImportTypes []string
}

// Registry maps languages and file extensions to grammars and
// per-language configuration. A language without a registered grammar
// falls back to token-window chunking.
type Registry struct {
	mu        sync.RWMutex
	configs   map[string]*LanguageConfig
	extToLang map[string]string
	grammars  map[string]*sitter.Language
}

// NewRegistry creates a registry with all built-in languages.
func NewRegistry() *Registry {
	r := &Registry{
		configs:   make(map[string]*LanguageConfig),
		extToLang: make(map[string]string),
		grammars:  make(map[string]*sitter.Language),
	}

	r.registerGo()
	r.registerPython()
	r.registerJavaScript()
	r.registerTypeScript()

	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the shared registry instance.
func DefaultRegistry() *Registry { return defaultRegistry }

// LanguageForExtension returns the language name for a file extension,
// or "" when no grammar is registered.
func (r *Registry) LanguageForExtension(ext string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return r.extToLang[ext]
}

// Config returns the language configuration by name.
func (r *Registry) Config(name string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[name]
	return cfg, ok
}

// Grammar returns the tree-sitter grammar for a language name.
func (r *Registry) Grammar(name string) (*sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lang, ok := r.grammars[name]
	return lang, ok
}

// Supported reports whether a grammar is registered for the language.
func (r *Registry) Supported(name string) bool {
	_, ok := r.Grammar(name)
	return ok
}

func (r *Registry) register(cfg *LanguageConfig, grammar *sitter.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[cfg.Name] = cfg
	r.grammars[cfg.Name] = grammar
	for _, ext := range cfg.Extensions {
		r.extToLang[ext] = cfg.Name
	}
}

func (r *Registry) registerGo() {
	r.register(&LanguageConfig{
		Name:          "go",
		Extensions:    []string{".go"},
		FunctionTypes: []string{"function_declaration"},
		MethodTypes:   []string{"method_declaration"},
		TypeDefTypes:  []string{"type_declaration"},
		ConstTypes:    []string{"const_declaration"},
		VarTypes:      []string{"var_declaration"},
		CallTypes:     []string{"call_expression"},
		ImportTypes:   []string{"import_declaration"},
	}, golang.GetLanguage())
}

func (r *Registry) registerPython() {
	r.register(&LanguageConfig{
		Name:          "python",
		Extensions:    []string{".py"},
		FunctionTypes: []string{"function_definition"},
		ClassTypes:    []string{"class_definition"},
		VarTypes:      []string{"expression_statement"},
		CallTypes:     []string{"call"},
		ImportTypes:   []string{"import_statement", "import_from_statement"},
	}, python.GetLanguage())
}

func (r *Registry) registerJavaScript() {
	r.register(&LanguageConfig{
		Name:          "javascript",
		Extensions:    []string{".js", ".jsx", ".mjs"},
		FunctionTypes: []string{"function_declaration", "generator_function_declaration"},
		MethodTypes:   []string{"method_definition"},
		ClassTypes:    []string{"class_declaration"},
		ConstTypes:    []string{"lexical_declaration"},
		VarTypes:      []string{"variable_declaration"},
		CallTypes:     []string{"call_expression"},
		ImportTypes:   []string{"import_statement"},
	}, javascript.GetLanguage())
}

func (r *Registry) registerTypeScript() {
	tsConfig := &LanguageConfig{
		Name:          "typescript",
		Extensions:    []string{".ts"},
		FunctionTypes: []string{"function_declaration", "generator_function_declaration"},
		MethodTypes:   []string{"method_definition"},
		ClassTypes:    []string{"class_declaration"},
		TypeDefTypes:  []string{"interface_declaration", "type_alias_declaration", "enum_declaration"},
		ConstTypes:    []string{"lexical_declaration"},
		VarTypes:      []string{"variable_declaration"},
		CallTypes:     []string{"call_expression"},
		ImportTypes:   []string{"import_statement"},
	}
	r.register(tsConfig, typescript.GetLanguage())

	tsxConfig := *tsConfig
	tsxConfig.Name = "tsx"
	tsxConfig.Extensions = []string{".tsx"}
	r.register(&tsxConfig, tsx.GetLanguage())
}
