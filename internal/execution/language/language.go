// Package language defines the closed set of supported languages and the
// adapters that compile and run each of them inside a sandbox.
package language

import (
	"strings"

	appErr "runbox/pkg/errors"
)

// Language identifies one supported language.
type Language string

const (
	Python     Language = "python"
	Cpp        Language = "cpp"
	JavaScript Language = "javascript"
)

var aliases = map[string]Language{
	"python":     Python,
	"python3":    Python,
	"py":         Python,
	"cpp":        Cpp,
	"c++":        Cpp,
	"cxx":        Cpp,
	"javascript": JavaScript,
	"js":         JavaScript,
	"node":       JavaScript,
}

// All returns every supported language in a stable order.
func All() []Language {
	return []Language{Python, Cpp, JavaScript}
}

// Parse maps a client-supplied name onto the closed set.
func Parse(name string) (Language, error) {
	lang, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", name)
	}
	return lang, nil
}

// Compiled reports whether the language has a separate compile phase.
func (l Language) Compiled() bool {
	return l == Cpp
}

func (l Language) String() string {
	return string(l)
}
