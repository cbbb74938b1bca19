package depcache

import (
	"encoding/json"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/fileitem"
)

type tokenKind int

const (
	tokenName tokenKind = iota
	tokenColon
	tokenNewline
)

type token struct {
	kind tokenKind
	text string
}

// lexMakefileDeps tokenizes Make-style dependency rules: whitespace
// separates, ':' and '\n' are tokens, backslash-newline is a line
// continuation and backslash-space escapes a space within a filename.
func lexMakefileDeps(content string) []token {
	var tokens []token
	i := 0
	for i < len(content) {
		c := content[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '\n':
			tokens = append(tokens, token{kind: tokenNewline})
			i++
		case c == '\\' && i+1 < len(content) && content[i+1] == '\n':
			i += 2 // line continuation
		case c == '\\' && i+2 < len(content) && content[i+1] == '\r' && content[i+2] == '\n':
			i += 3
		case c == ':':
			tokens = append(tokens, token{kind: tokenColon})
			i++
		default:
			var sb strings.Builder
			for i < len(content) {
				c := content[i]
				if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == ':' {
					break
				}
				if c == '\\' && i+1 < len(content) {
					if content[i+1] == '\n' {
						break // continuation terminates the token
					}
					if content[i+1] == ' ' {
						sb.WriteByte(' ')
						i += 2
						continue
					}
				}
				sb.WriteByte(c)
				i++
			}
			tokens = append(tokens, token{kind: tokenName, text: sb.String()})
		}
	}
	return tokens
}

// parseMakefileDeps parses a compiler-emitted .d file. The expected shape is
// optional leading newlines, the target token, ':', zero or more filename
// tokens and trailing newlines. Anything else is a hard parse error.
func parseMakefileDeps(files *fileitem.Cache, file *fileitem.Item) (*Info, error) {
	b, err := os.ReadFile(file.Path())
	if err != nil {
		return nil, err
	}
	tokens := lexMakefileDeps(string(b))
	pos := 0
	for pos < len(tokens) && tokens[pos].kind == tokenNewline {
		pos++
	}
	if pos >= len(tokens) || tokens[pos].kind != tokenName {
		return nil, xerrors.Errorf("%s: expected target name", file.Path())
	}
	pos++ // the target is discarded
	if pos >= len(tokens) || tokens[pos].kind != tokenColon {
		return nil, xerrors.Errorf("%s: expected ':' after target", file.Path())
	}
	pos++
	info := &Info{}
	for pos < len(tokens) && tokens[pos].kind == tokenName {
		info.Files = append(info.Files, files.Get(tokens[pos].text))
		pos++
	}
	for pos < len(tokens) && tokens[pos].kind == tokenNewline {
		pos++
	}
	if pos != len(tokens) {
		return nil, xerrors.Errorf("%s: unexpected token after dependency list", file.Path())
	}
	return info, nil
}

// parseTextDeps parses a flat one-path-per-line list. Empty lines are
// ignored, as are COM artifacts (.tlh/.tli); doubled backslashes are
// collapsed.
func parseTextDeps(files *fileitem.Cache, file *fileitem.Item) (*Info, error) {
	b, err := os.ReadFile(file.Path())
	if err != nil {
		return nil, err
	}
	info := &Info{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ".tlh") || strings.HasSuffix(line, ".tli") {
			continue
		}
		line = strings.ReplaceAll(line, `\\`, `\`)
		info.Files = append(info.Files, files.Get(line))
	}
	return info, nil
}

type sourceDependencies struct {
	Version string                  `json:"Version"`
	Data    *sourceDependenciesData `json:"Data"`
}

type sourceDependenciesData struct {
	ProvidedModule  string          `json:"ProvidedModule"`
	ImportedModules json.RawMessage `json:"ImportedModules"`
	Includes        []string        `json:"Includes"`
}

// parseJSONDeps parses a compiler-emitted source dependencies document
// (.json or metadata-only .md.json).
func parseJSONDeps(files *fileitem.Cache, file *fileitem.Item) (*Info, error) {
	b, err := os.ReadFile(file.Path())
	if err != nil {
		return nil, err
	}
	var doc sourceDependencies
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, xerrors.Errorf("%s: %v", file.Path(), err)
	}
	if doc.Version != "1.0" && doc.Version != "1.1" {
		return nil, xerrors.Errorf("%s: unsupported source dependencies version %q", file.Path(), doc.Version)
	}
	if doc.Data == nil {
		return nil, xerrors.Errorf("%s: missing Data object", file.Path())
	}
	info := &Info{ProducedModule: doc.Data.ProvidedModule}
	if len(doc.Data.ImportedModules) > 0 {
		metadataOnly := strings.HasSuffix(file.Path(), ".md.json")
		if doc.Version == "1.1" && !metadataOnly {
			var imports []ModuleImport
			if err := json.Unmarshal(doc.Data.ImportedModules, &imports); err != nil {
				return nil, xerrors.Errorf("%s: ImportedModules: %v", file.Path(), err)
			}
			info.ImportedModules = imports
		} else {
			var names []string
			if err := json.Unmarshal(doc.Data.ImportedModules, &names); err != nil {
				return nil, xerrors.Errorf("%s: ImportedModules: %v", file.Path(), err)
			}
			for _, name := range names {
				info.ImportedModules = append(info.ImportedModules, ModuleImport{Name: name})
			}
		}
	}
	for _, include := range doc.Data.Includes {
		info.Files = append(info.Files, files.Get(include))
	}
	return info, nil
}
