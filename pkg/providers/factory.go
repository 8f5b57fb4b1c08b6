package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/larkrelay/pkg/config"
)

type completerFactory struct {
	build              func(cfg *config.Config) (Completer, error)
	validate           func(cfg *config.Config) error
	credentialStatusFn func(cfg *config.Config) (configured bool, detail string)
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]completerFactory{}
	registrationErr error
)

func RegisterFactory(mode string, build func(cfg *config.Config) (Completer, error), validate func(cfg *config.Config) error, credentialStatusFn func(cfg *config.Config) (bool, string)) {
	mode = NormalizeMode(mode)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if mode == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory mode is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[mode] = completerFactory{
		build:              build,
		validate:           validate,
		credentialStatusFn: credentialStatusFn,
	}
}

func SupportedModes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	modes := make([]string, 0, len(factories))
	for mode := range factories {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

func NormalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return config.CompletionModeDirect
	}
	return mode
}

func ActiveMode(cfg *config.Config) string {
	if cfg == nil {
		return config.CompletionModeDirect
	}
	return NormalizeMode(cfg.Completion.Mode)
}

func ValidateModeConfig(cfg *config.Config) error {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

func CredentialStatus(cfg *config.Config) (mode string, configured bool, detail string, err error) {
	factory, name, err := getFactory(cfg)
	if err != nil {
		return "", false, "", err
	}
	mode = name
	if factory.credentialStatusFn != nil {
		configured, detail = factory.credentialStatusFn(cfg)
		return mode, configured, detail, nil
	}
	configured = factory.validate == nil || factory.validate(cfg) == nil
	return mode, configured, "", nil
}

func CreateCompleter(cfg *config.Config) (Completer, error) {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return nil, err
	}
	return factory.build(cfg)
}

func getFactory(cfg *config.Config) (completerFactory, string, error) {
	mode := ActiveMode(cfg)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return completerFactory{}, mode, fmt.Errorf("completer registration failed: %w", err)
	}
	factory, ok := factories[mode]
	factoryMu.RUnlock()
	if !ok {
		return completerFactory{}, mode, fmt.Errorf("unsupported completion mode %q: supported modes are %s", mode, strings.Join(SupportedModes(), ", "))
	}
	return factory, mode, nil
}
