package wasi

import (
	"fmt"
	"os"
	"strings"
)

// StateCreationError reports an invalid WASI state configuration.
type StateCreationError struct {
	Reason string
}

func (e *StateCreationError) Error() string {
	return "wasi state creation: " + e.Reason
}

// WasiState is the state of a WASI instance: its filesystem, arguments and
// environment.
type WasiState struct {
	Fs   *WasiFs
	Args []string
	Envs []string
}

// Close tears down the filesystem.
func (s *WasiState) Close() error {
	return s.Fs.Close()
}

// StateBuilder assembles a WasiState.
type StateBuilder struct {
	programName string
	args        []string
	envs        []string
	preopens    []*PreopenDirBuilder
	ceiling     Rights

	stdin, stdout, stderr File

	errs []string
}

// NewStateBuilder starts a state for the named program. The program name is
// the first argument.
func NewStateBuilder(programName string) *StateBuilder {
	return &StateBuilder{programName: programName, ceiling: AllRights}
}

func (b *StateBuilder) Arg(arg string) *StateBuilder {
	b.args = append(b.args, arg)
	return b
}

func (b *StateBuilder) Args(args ...string) *StateBuilder {
	b.args = append(b.args, args...)
	return b
}

// Env adds the environment variable key=value.
func (b *StateBuilder) Env(key, value string) *StateBuilder {
	if strings.ContainsRune(key, '=') {
		b.errs = append(b.errs, fmt.Sprintf("environment variable name %q contains '='", key))
	}
	b.envs = append(b.envs, key+"="+value)
	return b
}

// Envs adds environment entries of the form key=value.
func (b *StateBuilder) Envs(envs ...string) *StateBuilder {
	for _, kv := range envs {
		if !strings.ContainsRune(kv, '=') {
			b.errs = append(b.errs, fmt.Sprintf("environment entry %q is missing '='", kv))
		}
	}
	b.envs = append(b.envs, envs...)
	return b
}

// PreopenDir preopens the host directory at path with read, write and create
// access under its own name.
func (b *StateBuilder) PreopenDir(path string) *StateBuilder {
	return b.Preopen(NewPreopenDir(path).Read(true).Write(true).Create(true))
}

// MapDir preopens the host directory at path with full access under alias.
func (b *StateBuilder) MapDir(alias, path string) *StateBuilder {
	return b.Preopen(NewPreopenDir(path).Alias(alias).Read(true).Write(true).Create(true))
}

// Preopen adds a configured preopen.
func (b *StateBuilder) Preopen(p *PreopenDirBuilder) *StateBuilder {
	b.preopens = append(b.preopens, p)
	return b
}

// RightsCeiling bounds the rights of every preopen.
func (b *StateBuilder) RightsCeiling(r Rights) *StateBuilder {
	b.ceiling = r
	return b
}

func (b *StateBuilder) Stdin(f File) *StateBuilder {
	b.stdin = f
	return b
}

func (b *StateBuilder) Stdout(f File) *StateBuilder {
	b.stdout = f
	return b
}

func (b *StateBuilder) Stderr(f File) *StateBuilder {
	b.stderr = f
	return b
}

// Build validates the configuration and creates the state.
func (b *StateBuilder) Build() (*WasiState, error) {
	if len(b.errs) != 0 {
		return nil, &StateCreationError{Reason: b.errs[0]}
	}

	args := append([]string{b.programName}, b.args...)
	for _, arg := range args {
		if strings.IndexByte(arg, 0) >= 0 {
			return nil, &StateCreationError{Reason: fmt.Sprintf("argument %q contains a nul byte", arg)}
		}
	}
	for _, env := range b.envs {
		if strings.IndexByte(env, 0) >= 0 {
			return nil, &StateCreationError{Reason: fmt.Sprintf("environment entry %q contains a nul byte", env)}
		}
	}

	preopens := make([]PreopenDir, len(b.preopens))
	for i, pb := range b.preopens {
		p, err := pb.build()
		if err != nil {
			return nil, err
		}
		if p.HostPath != "" {
			info, err := os.Stat(p.HostPath)
			if err != nil {
				return nil, &StateCreationError{Reason: fmt.Sprintf("could not open preopen dir %v: %v", p.HostPath, err)}
			}
			if !info.IsDir() {
				return nil, &StateCreationError{Reason: fmt.Sprintf("preopen %v is not a directory", p.HostPath)}
			}
		}
		p.Rights &= b.ceiling
		p.Inherit &= b.ceiling
		preopens[i] = p
	}

	fs := newWasiFs(b.stdin, b.stdout, b.stderr)
	for _, p := range preopens {
		if _, err := fs.mountPreopen(p); err != nil {
			fs.Close()
			return nil, err
		}
	}
	return &WasiState{Fs: fs, Args: args, Envs: append([]string(nil), b.envs...)}, nil
}
