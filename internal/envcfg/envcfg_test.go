package envcfg

import (
	"errors"
	"testing"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnvDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(lookupFrom(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := Config{Host: defaultHost, Port: defaultPort}
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestFromEnvPlainHostPort(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(lookupFrom(map[string]string{"FAKTORY_URL": "faktory.example.com:7419"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Host != "faktory.example.com" || cfg.Port != 7419 {
		t.Errorf("got %+v", cfg)
	}
}

func TestFromEnvStripsSchemeAndMapsPassword(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(lookupFrom(map[string]string{"FAKTORY_URL": "tcp://:s3cr3t@faktory.example.com:17419"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Host != "faktory.example.com" || cfg.Port != 17419 || cfg.Password != "s3cr3t" {
		t.Errorf("got %+v", cfg)
	}
}

func TestFromEnvDefaultPortWhenOmitted(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(lookupFrom(map[string]string{"FAKTORY_URL": "tcp://faktory.example.com"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("got port %d, want default %d", cfg.Port, defaultPort)
	}
}

func TestFromEnvHonorsProviderIndirection(t *testing.T) {
	t.Parallel()
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"FAKTORY_PROVIDER": "CUSTOM_FAKTORY_VAR",
		"CUSTOM_FAKTORY_VAR": "tcp://custom.example.com:9999",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Host != "custom.example.com" || cfg.Port != 9999 {
		t.Errorf("got %+v", cfg)
	}
}

func TestFromEnvRejectsBadPort(t *testing.T) {
	t.Parallel()
	_, err := FromEnv(lookupFrom(map[string]string{"FAKTORY_URL": "tcp://host:notaport"}))
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("err=%v, want ErrInvalidURL", err)
	}
}

func TestFromEnvRequiresLookupFunc(t *testing.T) {
	t.Parallel()
	if _, err := FromEnv(nil); err == nil {
		t.Fatal("expected error for nil lookup func, got nil")
	}
}
