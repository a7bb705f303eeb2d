package llm

import (
	"fmt"
	"sort"
)

type constructor func(apiKey, baseURL string) Provider

var providers = map[string]constructor{
	"claude": func(k, u string) Provider { return NewAnthropic(k, u) },
	"openai": func(k, u string) Provider { return NewOpenAI(k, u) },
	"zhipu":  func(k, u string) Provider { return NewZhipu(k, u) },
}

// NewProvider builds a registered provider. An empty key is rejected.
func NewProvider(name, apiKey, baseURL string) (Provider, error) {
	ctor, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownProvider, name, Providers())
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, name)
	}
	return ctor(apiKey, baseURL), nil
}

func Providers() []string {
	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
