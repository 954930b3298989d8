package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pgavlin/wasifs/wasi"
)

// Config describes a WASI instance: its arguments, environment, preopened
// directories and standard stream redirections.
type Config struct {
	Program  string    `yaml:"program" env:"WASIFS_PROGRAM" env-default:"wasi"`
	Args     []string  `yaml:"args" env:"WASIFS_ARGS" env-separator:" "`
	Env      []string  `yaml:"env" env:"WASIFS_ENV" env-separator:","`
	Preopens []Preopen `yaml:"preopens"`

	// Rights bounds the rights of every preopen.
	Rights []string `yaml:"rights" env:"WASIFS_RIGHTS" env-separator:","`

	Stdin  string `yaml:"stdin" env:"WASIFS_STDIN"`
	Stdout string `yaml:"stdout" env:"WASIFS_STDOUT"`
	Stderr string `yaml:"stderr" env:"WASIFS_STDERR"`
}

// Preopen is a preopened directory. An empty Path mounts an in-memory
// directory.
type Preopen struct {
	Alias  string `yaml:"alias"`
	Path   string `yaml:"path"`
	Read   bool   `yaml:"read"`
	Write  bool   `yaml:"write"`
	Create bool   `yaml:"create"`

	// Rights and Inherit are rights flags applied on top of the rights
	// implied by Read, Write and Create.
	Rights  []string `yaml:"rights"`
	Inherit []string `yaml:"inherit"`
}

// Load reads the configuration at path and applies WASIFS_* environment
// overrides. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("reading environment: %w", err)
		}
		return &cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %v: %w", path, err)
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading config %v: %w", path, err)
	}
	return &cfg, nil
}

// MustLoad is like Load but panics on failure.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic("cannot read config: " + err.Error())
	}
	return cfg
}

// Builder turns the configuration into a state builder. Redirected streams are
// opened here and owned by the resulting state.
func (c *Config) Builder() (*wasi.StateBuilder, error) {
	b := wasi.NewStateBuilder(c.Program).Args(c.Args...).Envs(c.Env...)

	if len(c.Rights) != 0 {
		ceiling := wasi.AllRights
		var unused wasi.Rights
		if err := wasi.ParseRights(c.Rights, &ceiling, &unused); err != nil {
			return nil, fmt.Errorf("rights ceiling: %w", err)
		}
		b.RightsCeiling(ceiling)
	}

	for _, p := range c.Preopens {
		pb, err := p.builder()
		if err != nil {
			return nil, err
		}
		b.Preopen(pb)
	}

	var opened []*os.File
	fail := func(err error) (*wasi.StateBuilder, error) {
		for _, f := range opened {
			f.Close()
		}
		return nil, err
	}
	if c.Stdin != "" {
		f, err := os.Open(c.Stdin)
		if err != nil {
			return fail(fmt.Errorf("stdin: %w", err))
		}
		opened = append(opened, f)
		b.Stdin(wasi.NewHostFile(f, 0))
	}
	for _, out := range []struct {
		path string
		set  func(wasi.File) *wasi.StateBuilder
	}{
		{c.Stdout, b.Stdout},
		{c.Stderr, b.Stderr},
	} {
		if out.path == "" {
			continue
		}
		f, err := os.OpenFile(out.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fail(fmt.Errorf("output %v: %w", out.path, err))
		}
		opened = append(opened, f)
		out.set(wasi.NewHostFile(f, wasi.F_Append))
	}
	return b, nil
}

func (p Preopen) builder() (*wasi.PreopenDirBuilder, error) {
	b := wasi.NewPreopenDir(p.Path).Alias(p.Alias).Read(p.Read).Write(p.Write).Create(p.Create)
	if len(p.Rights) == 0 && len(p.Inherit) == 0 {
		return b, nil
	}

	var base wasi.Rights
	if p.Read {
		base |= wasi.ReadOnlyRights
	}
	if p.Write {
		base |= wasi.WriteRights
	}
	if p.Create {
		base |= wasi.CreateRights
	}
	inherit := base
	if err := wasi.ParseRights(p.Rights, &base, &inherit); err != nil {
		return nil, fmt.Errorf("preopen %v: %w", p.name(), err)
	}
	var unused wasi.Rights
	if err := wasi.ParseRights(p.Inherit, &inherit, &unused); err != nil {
		return nil, fmt.Errorf("preopen %v: %w", p.name(), err)
	}
	return b.Rights(base, inherit), nil
}

func (p Preopen) name() string {
	if p.Alias != "" {
		return p.Alias
	}
	return p.Path
}
