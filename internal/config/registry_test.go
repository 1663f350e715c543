package config_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/triviahost/internal/config"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
	s2smock "github.com/MrWong99/triviahost/pkg/provider/s2s/mock"
)

func TestRegistry_CreateS2S(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")

	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return &s2smock.Provider{}, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "gemini-live", Model: "m"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p == nil {
		t.Fatal("nil provider")
	}
	if got.APIKey != "env-key" || got.Model != "m" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad base url")
	reg.RegisterS2S("x", func(config.ProviderEntry) (s2s.Provider, error) { return nil, boom })
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped factory error", err)
	}
}

func TestRegistry_NamesAndOverwrite(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &s2smock.Provider{}
	second := &s2smock.Provider{}
	reg.RegisterS2S("b", func(config.ProviderEntry) (s2s.Provider, error) { return first, nil })
	reg.RegisterS2S("a", func(config.ProviderEntry) (s2s.Provider, error) { return first, nil })
	reg.RegisterS2S("b", func(config.ProviderEntry) (s2s.Provider, error) { return second, nil })

	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names = %v", names)
	}
	p, _ := reg.CreateS2S(config.ProviderEntry{Name: "b"})
	if p != second {
		t.Error("later registration did not overwrite the earlier one")
	}
}
