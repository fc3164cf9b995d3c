package language

import (
	appErr "runbox/pkg/errors"
)

// Registry holds exactly one adapter per supported language.
type Registry struct {
	adapters map[Language]Adapter
}

// NewRegistry builds the adapters from overrides merged over the defaults.
// Overrides for languages outside the closed set are rejected.
func NewRegistry(overrides map[string]Profile) (*Registry, error) {
	profiles := DefaultProfiles()
	for name, override := range overrides {
		lang, err := Parse(name)
		if err != nil {
			return nil, err
		}
		profiles[lang] = override.Merge(profiles[lang])
	}
	return &Registry{adapters: map[Language]Adapter{
		Python:     newPythonAdapter(profiles[Python]),
		Cpp:        newCppAdapter(profiles[Cpp]),
		JavaScript: newJavaScriptAdapter(profiles[JavaScript]),
	}}, nil
}

// Get returns the adapter of lang.
func (r *Registry) Get(lang Language) (Adapter, error) {
	adapter, ok := r.adapters[lang]
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", lang)
	}
	return adapter, nil
}
