package dump

import (
	"encoding/csv"
	"io"

	"github.com/jszwec/csvutil"
	"github.com/pgavlin/wasifs/wasi"
)

func dumpInodes(w io.Writer, fs *wasi.WasiFs) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	encoder := csvutil.NewEncoder(csvWriter)
	for _, info := range fs.Inodes() {
		if err := encoder.Encode(info); err != nil {
			return err
		}
	}
	return nil
}

func dumpFds(w io.Writer, fs *wasi.WasiFs) error {
	type row struct {
		Fd       uint32 `csv:"fd"`
		Filetype string `csv:"filetype"`
		Flags    uint16 `csv:"flags"`
		Rights   string `csv:"rights"`
		Inherit  string `csv:"inherit"`
		Preopen  string `csv:"preopen,omitempty"`
	}

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	encoder := csvutil.NewEncoder(csvWriter)
	preopens := map[wasi.Fd]string{wasi.VirtualRootFd: "/"}
	for _, p := range fs.Preopens() {
		preopens[p.Fd] = p.Alias
	}

	for _, fd := range fs.Fds() {
		stat, err := fs.FdstatGet(fd)
		if err != nil {
			return err
		}
		r := row{
			Fd:       uint32(fd),
			Filetype: stat.Filetype.String(),
			Flags:    uint16(stat.Flags),
			Rights:   stat.Rights.String(),
			Inherit:  stat.Inherit.String(),
			Preopen:  preopens[fd],
		}
		if err := encoder.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
