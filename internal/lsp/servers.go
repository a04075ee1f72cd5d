package lsp

import (
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// ServerConfig describes how to launch one language server. The table is
// pure data: loaded once, never mutated by the engine.
type ServerConfig struct {
	Name       string
	Command    string
	Args       []string
	VersionArg string
	Install    InstallInstructions
}

// InstallInstructions carries per-platform install commands for a server.
type InstallInstructions struct {
	MacOS   string
	Linux   string
	Windows string
}

// Current returns the instruction for the running platform.
func (i InstallInstructions) Current() string {
	switch runtime.GOOS {
	case "darwin":
		return i.MacOS
	case "windows":
		return i.Windows
	default:
		return i.Linux
	}
}

// IsInstalled reports whether the server binary is resolvable. PATH lookup
// is tried first; a version probe covers shims that LookPath misses.
func (s *ServerConfig) IsInstalled() bool {
	if _, err := exec.LookPath(s.Command); err == nil {
		return true
	}
	return exec.Command(s.Command, s.VersionArg).Run() == nil
}

// Version returns the installed server version, best effort.
func (s *ServerConfig) Version() string {
	out, err := exec.Command(s.Command, s.VersionArg).CombinedOutput()
	if err != nil {
		return ""
	}
	for line := range strings.Lines(string(out)) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// DefaultServers returns the built-in per-language server table.
func DefaultServers() map[config.Language]*ServerConfig {
	npm := func(pkg string) InstallInstructions {
		cmd := "npm install -g " + pkg
		return InstallInstructions{MacOS: cmd, Linux: cmd, Windows: cmd}
	}

	servers := map[config.Language]*ServerConfig{
		config.LangGo: {
			Name: "gopls", Command: "gopls", Args: []string{"serve"}, VersionArg: "version",
			Install: InstallInstructions{
				MacOS:   "go install golang.org/x/tools/gopls@latest",
				Linux:   "go install golang.org/x/tools/gopls@latest",
				Windows: "go install golang.org/x/tools/gopls@latest",
			},
		},
		config.LangRust: {
			Name: "rust-analyzer", Command: "rust-analyzer", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "rustup component add rust-analyzer",
				Linux:   "rustup component add rust-analyzer",
				Windows: "rustup component add rust-analyzer",
			},
		},
		config.LangPython: {
			Name: "pyright", Command: "pyright-langserver", Args: []string{"--stdio"}, VersionArg: "--version",
			Install: npm("pyright"),
		},
		config.LangTypeScript: {
			Name: "typescript-language-server", Command: "typescript-language-server",
			Args: []string{"--stdio"}, VersionArg: "--version",
			Install: npm("typescript typescript-language-server"),
		},
		config.LangJavaScript: {
			Name: "typescript-language-server", Command: "typescript-language-server",
			Args: []string{"--stdio"}, VersionArg: "--version",
			Install: npm("typescript typescript-language-server"),
		},
		config.LangJava: {
			Name: "jdtls", Command: "jdtls", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "brew install jdtls",
				Linux:   "download from https://download.eclipse.org/jdtls/snapshots/",
				Windows: "download from https://download.eclipse.org/jdtls/snapshots/",
			},
		},
		config.LangKotlin: {
			Name: "kotlin-lsp", Command: "kotlin-lsp", Args: []string{"--stdio"}, VersionArg: "--help",
			Install: InstallInstructions{
				MacOS:   "brew install JetBrains/utils/kotlin-lsp",
				Linux:   "download from https://github.com/JetBrains/kotlin-lsp/releases",
				Windows: "download from https://github.com/JetBrains/kotlin-lsp/releases",
			},
		},
		config.LangCpp: {
			Name: "clangd", Command: "clangd",
			Args:       []string{"--background-index", "--clang-tidy", "--pch-storage=memory"},
			VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "brew install llvm",
				Linux:   "apt install clangd",
				Windows: "download from https://clangd.llvm.org/installation",
			},
		},
		config.LangCSharp: {
			Name: "csharp-ls", Command: "csharp-ls", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "dotnet tool install -g csharp-ls",
				Linux:   "dotnet tool install -g csharp-ls",
				Windows: "dotnet tool install -g csharp-ls",
			},
		},
		config.LangRuby: {
			Name: "ruby-lsp", Command: "ruby-lsp", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS: "gem install ruby-lsp", Linux: "gem install ruby-lsp", Windows: "gem install ruby-lsp",
			},
		},
		config.LangPHP: {
			Name: "intelephense", Command: "intelephense", Args: []string{"--stdio"}, VersionArg: "--version",
			Install: npm("intelephense"),
		},
		config.LangSwift: {
			Name: "sourcekit-lsp", Command: "sourcekit-lsp", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "included with Xcode",
				Linux:   "download from https://swift.org/download/",
				Windows: "download from https://swift.org/download/",
			},
		},
		config.LangZig: {
			Name: "zls", Command: "zls", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "brew install zls",
				Linux:   "download from https://github.com/zigtools/zls/releases",
				Windows: "download from https://github.com/zigtools/zls/releases",
			},
		},
		config.LangScala: {
			Name: "metals", Command: "metals", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS: "brew install metals", Linux: "cs install metals", Windows: "cs install metals",
			},
		},
		config.LangLua: {
			Name: "lua-language-server", Command: "lua-language-server", VersionArg: "--version",
			Install: InstallInstructions{
				MacOS:   "brew install lua-language-server",
				Linux:   "download from https://github.com/LuaLS/lua-language-server/releases",
				Windows: "download from https://github.com/LuaLS/lua-language-server/releases",
			},
		},
		config.LangBash: {
			Name: "bash-language-server", Command: "bash-language-server", Args: []string{"start"},
			VersionArg: "--version",
			Install:    npm("bash-language-server"),
		},
	}
	servers[config.LangC] = servers[config.LangCpp]
	return servers
}

// initOptions returns the language-specific initializationOptions payload
// for the handshake, or nil when the server needs none.
func initOptions(lang config.Language, rootURI string) any {
	switch lang {
	case config.LangGo:
		return map[string]any{
			"completeUnimported": true,
			"deepCompletion":     false,
			"staticcheck":        false,
		}
	case config.LangRust:
		return map[string]any{
			"cargo":       map[string]any{"buildScripts": map[string]any{"enable": true}},
			"procMacro":   map[string]any{"enable": true},
			"checkOnSave": false,
		}
	case config.LangTypeScript, config.LangJavaScript:
		return map[string]any{
			"hostInfo": "symora",
			"preferences": map[string]any{
				"includeInlayParameterNameHints":  "none",
				"allowIncompleteCompletions":      true,
				"importModuleSpecifierPreference": "shortest",
			},
		}
	case config.LangPython:
		return map[string]any{
			"python": map[string]any{
				"analysis": map[string]any{
					"autoSearchPaths":        true,
					"useLibraryCodeForTypes": true,
					"diagnosticMode":         "workspace",
				},
			},
		}
	case config.LangKotlin:
		return map[string]any{
			"workspaceFolders": []string{rootURI},
			"indexing":         map[string]any{"enabled": true},
			"diagnostics":      map[string]any{"enabled": true},
		}
	default:
		return nil
	}
}

// ServerHealth is one row of the install health report.
type ServerHealth struct {
	Language  config.Language
	Name      string
	Installed bool
	Version   string
	Install   string
}

// CheckAllServers probes every configured server and returns the results
// sorted by language for stable output.
func CheckAllServers() []ServerHealth {
	var out []ServerHealth
	for lang, cfg := range DefaultServers() {
		health := ServerHealth{
			Language: lang,
			Name:     cfg.Name,
			Install:  cfg.Install.Current(),
		}
		if cfg.IsInstalled() {
			health.Installed = true
			health.Version = cfg.Version()
		}
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}
