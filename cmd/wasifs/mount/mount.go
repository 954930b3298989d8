package mount

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/pgavlin/wasifs/config"
	"github.com/pgavlin/wasifs/wasi"
	"github.com/spf13/cobra"
)

// MemorySource mounts an empty in-memory directory.
const MemorySource = ":memory:"

// [to=]from(,flags)
type mounts struct {
	values  []*wasi.PreopenDirBuilder
	strings []string
}

var mountRE = regexp.MustCompile(`^([^=,]+=)?([^,]+)(,[^,]+)*$`)

func parseMount(s string) (*wasi.PreopenDirBuilder, error) {
	match := mountRE.FindStringSubmatch(s)
	if len(match) == 0 {
		return nil, fmt.Errorf("malformed mount '%v': mounts must be of the form (to=)from(,flags)", s)
	}

	to, from := strings.TrimSuffix(match[1], "="), match[2]
	var flags []string
	if i := strings.IndexByte(s, ','); i >= 0 {
		flags = strings.Split(s[i+1:], ",")
	}

	if to == "" {
		if from == MemorySource {
			return nil, fmt.Errorf("malformed mount '%v': in-memory mounts need a name", s)
		}
		to = from
	}
	if from == MemorySource {
		from = ""
	}

	rights, inherit := wasi.AllRights, wasi.AllRights
	if err := wasi.ParseRights(flags, &rights, &inherit); err != nil {
		return nil, fmt.Errorf("mount '%v': %w", s, err)
	}
	return wasi.NewPreopenDir(from).Alias(to).Rights(rights, inherit), nil
}

func (m *mounts) String() string {
	return strings.Join(m.strings, ";")
}

func (m *mounts) Set(s string) error {
	b, err := parseMount(s)
	if err != nil {
		return err
	}
	m.values, m.strings = append(m.values, b), append(m.strings, s)
	return nil
}

func (m *mounts) Type() string {
	return "mount"
}

// Flags are the filesystem options shared by every command.
type Flags struct {
	mounts     mounts
	configPath string
}

// Register adds the filesystem flags to command.
func (f *Flags) Register(command *cobra.Command) {
	command.PersistentFlags().VarP(&f.mounts, "mount", "m", "list of directories to mount in the form (to=)from(,flags); from may be "+MemorySource)
	command.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "path to a YAML filesystem configuration")
}

// Open builds the filesystem described by the configuration file and the
// mount flags.
func (f *Flags) Open() (*wasi.WasiState, error) {
	b := wasi.NewStateBuilder("wasifs")
	if f.configPath != "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		if b, err = cfg.Builder(); err != nil {
			return nil, err
		}
	}
	for _, m := range f.mounts.values {
		b.Preopen(m)
	}
	return b.Build()
}

// Resolve maps an absolute guest path onto the preopen that contains it and
// the path relative to that preopen.
func Resolve(fs *wasi.WasiFs, guestPath string) (wasi.Fd, string, error) {
	clean := path.Clean("/" + guestPath)

	var (
		best    wasi.PreopenDir
		bestLen = -1
	)
	for _, p := range fs.Preopens() {
		alias := path.Clean("/" + p.Alias)
		var rel string
		switch {
		case alias == "/":
			rel = strings.TrimPrefix(clean, "/")
		case clean == alias:
			rel = ""
		case strings.HasPrefix(clean, alias+"/"):
			rel = clean[len(alias)+1:]
		default:
			continue
		}
		if len(alias) > bestLen {
			best, bestLen = p, len(alias)
			guestPath = rel
		}
	}
	if bestLen < 0 {
		return 0, "", fmt.Errorf("%v is not inside a mount", clean)
	}
	if guestPath == "" {
		guestPath = "."
	}
	return best.Fd, guestPath, nil
}
