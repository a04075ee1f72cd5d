package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Language identifies a programming language using LSP language IDs.
type Language string

// Supported languages.
const (
	LangGo         Language = "go"
	LangRust       Language = "rust"
	LangPython     Language = "python"
	LangTypeScript Language = "typescript"
	LangJavaScript Language = "javascript"
	LangJava       Language = "java"
	LangKotlin     Language = "kotlin"
	LangCpp        Language = "cpp"
	LangC          Language = "c"
	LangCSharp     Language = "csharp"
	LangRuby       Language = "ruby"
	LangPHP        Language = "php"
	LangSwift      Language = "swift"
	LangZig        Language = "zig"
	LangScala      Language = "scala"
	LangLua        Language = "lua"
	LangBash       Language = "shellscript"
	LangUnknown    Language = ""
)

// extensionLanguages maps file extensions to language IDs.
var extensionLanguages = map[string]Language{
	".go":    LangGo,
	".rs":    LangRust,
	".py":    LangPython,
	".pyi":   LangPython,
	".ts":    LangTypeScript,
	".tsx":   LangTypeScript,
	".mts":   LangTypeScript,
	".js":    LangJavaScript,
	".jsx":   LangJavaScript,
	".mjs":   LangJavaScript,
	".java":  LangJava,
	".kt":    LangKotlin,
	".kts":   LangKotlin,
	".cpp":   LangCpp,
	".cc":    LangCpp,
	".cxx":   LangCpp,
	".hpp":   LangCpp,
	".c":     LangC,
	".h":     LangC,
	".cs":    LangCSharp,
	".rb":    LangRuby,
	".php":   LangPHP,
	".swift": LangSwift,
	".zig":   LangZig,
	".scala": LangScala,
	".lua":   LangLua,
	".sh":    LangBash,
	".bash":  LangBash,
}

// LanguageForPath returns the language for a file path based on its
// extension, or LangUnknown if the extension is not recognized.
func LanguageForPath(path string) Language {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}
	return LangUnknown
}

// Profile captures per-language timing behavior. Slow indexers (JVM
// languages, Pyright on large monorepos) get larger timeout multipliers,
// longer indexing waits, and aggressive retry.
type Profile struct {
	// TimeoutMultiplier scales the base request timeout.
	TimeoutMultiplier float64
	// IndexingWait bounds how long WaitForIndexing blocks for a
	// readiness signal.
	IndexingWait time.Duration
	// CrossFileWait is the one-shot extra delay before the first
	// cross-file operation.
	CrossFileWait time.Duration
	// AggressiveRetry selects the aggressive retry profile.
	AggressiveRetry bool
}

// ProfileFor returns the timing profile for a language.
func ProfileFor(lang Language) Profile {
	switch lang {
	case LangKotlin:
		// kotlin-lsp is pre-alpha and needs extended time for
		// Gradle/Maven project indexing.
		return Profile{10.0, 15 * time.Second, 2 * time.Second, true}
	case LangPython:
		// Pyright on large monorepos indexes slowly.
		return Profile{8.0, 30 * time.Second, 1500 * time.Millisecond, true}
	case LangJava:
		return Profile{3.0, 10 * time.Second, time.Second, true}
	case LangTypeScript, LangJavaScript:
		// tsserver indexes lazily; the cross-file wait covers it.
		return Profile{2.5, 15 * time.Second, time.Second, false}
	case LangRust:
		return Profile{1.5, 8 * time.Second, 0, false}
	case LangGo:
		return Profile{1.0, 5 * time.Second, 0, false}
	case LangCpp, LangC:
		return Profile{1.5, 5 * time.Second, 500 * time.Millisecond, false}
	case LangCSharp:
		return Profile{2.0, 8 * time.Second, 500 * time.Millisecond, false}
	default:
		return Profile{1.5, 3 * time.Second, 0, false}
	}
}
