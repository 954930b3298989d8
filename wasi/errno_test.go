package wasi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrnoValues(t *testing.T) {
	assert.Equal(t, Errno(0), ErrnoSuccess)
	assert.Equal(t, Errno(8), ErrnoBadf)
	assert.Equal(t, Errno(44), ErrnoNoent)
	assert.Equal(t, Errno(76), ErrnoNotcapable)
	assert.Equal(t, "notcapable", ErrNotCapable.Error())
	assert.Equal(t, "errno(200)", Errno(200).Name())
}

func TestToErrno(t *testing.T) {
	cases := []struct {
		err  error
		want Errno
	}{
		{nil, ErrnoSuccess},
		{ErrLoop, ErrnoLoop},
		{fmt.Errorf("wrapped: %w", ErrNotEmpty), ErrnoNotempty},
		{&os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}, ErrnoNoent},
		{&os.PathError{Op: "rmdir", Path: "x", Err: syscall.ENOTEMPTY}, ErrnoNotempty},
		{os.ErrPermission, ErrnoPerm},
		{io.EOF, ErrnoSuccess},
		{&IOError{Op: "read", Err: syscall.ENOENT}, ErrnoIo},
		{errors.New("mystery"), ErrnoIo},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ToErrno(c.err), "%v", c.err)
	}
}

func TestHostError(t *testing.T) {
	assert.NoError(t, hostError("open", "x", nil))
	assert.Equal(t, ErrNotFound, hostError("open", "x", &os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}))

	err := hostError("read", "x", errors.New("device on fire"))
	var ioErr *IOError
	assert.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, ErrnoIo)
	assert.Equal(t, "read x: device on fire", err.Error())
}
