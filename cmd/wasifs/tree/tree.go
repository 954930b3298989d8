package tree

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/pgavlin/wasifs/wasi"
)

var (
	dirColor     = color.New(color.FgBlue, color.Bold).SprintFunc()
	symlinkColor = color.New(color.FgCyan).SprintFunc()
	specialColor = color.New(color.FgYellow).SprintFunc()
	sizeColor    = color.New(color.Faint).SprintFunc()
)

const walkRights = wasi.RightsPathOpen | wasi.RightsFdReaddir | wasi.RightsPathFilestatGet | wasi.RightsPathReadlink

// Print writes the tree below the directory fd to w. A depth of zero is
// unlimited.
func Print(w io.Writer, fs *wasi.WasiFs, fd wasi.Fd, name string, depth int) error {
	fmt.Fprintln(w, dirColor(name))
	p := printer{w: w, fs: fs, depth: depth}
	return p.dir(fd, "", 1)
}

type printer struct {
	w     io.Writer
	fs    *wasi.WasiFs
	depth int
}

func (p *printer) dir(fd wasi.Fd, indent string, level int) error {
	dirents, err := p.fs.Readdir(fd, 2)
	if err != nil {
		return err
	}
	for i, d := range dirents {
		branch, next := "├── ", "│   "
		if i == len(dirents)-1 {
			branch, next = "└── ", "    "
		}

		line, err := p.entry(fd, d)
		if err != nil {
			line = d.Name + " " + sizeColor("["+err.Error()+"]")
		}
		fmt.Fprintf(p.w, "%s%s%s\n", indent, branch, line)

		if d.Type != wasi.FiletypeDirectory || (p.depth != 0 && level >= p.depth) {
			continue
		}
		child, err := p.fs.OpenPath(fd, 0, d.Name, wasi.O_Directory, walkRights, walkRights, 0)
		if err != nil {
			continue
		}
		err = p.dir(child, indent+next, level+1)
		p.fs.CloseFd(child)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) entry(fd wasi.Fd, d wasi.Dirent) (string, error) {
	switch d.Type {
	case wasi.FiletypeDirectory:
		return dirColor(d.Name), nil
	case wasi.FiletypeSymbolicLink:
		target, err := p.fs.Readlink(fd, d.Name)
		if err != nil {
			return "", err
		}
		return symlinkColor(d.Name) + " -> " + target, nil
	case wasi.FiletypeRegularFile:
		st, err := p.fs.PathFilestatGet(fd, 0, d.Name)
		if err != nil {
			return "", err
		}
		return d.Name + " " + sizeColor("("+units.HumanSize(float64(st.Size))+")"), nil
	default:
		return specialColor(d.Name) + " " + sizeColor("<"+strings.ReplaceAll(d.Type.String(), "_", " ")+">"), nil
	}
}
