package wasi

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"
)

// Errno is a WASI error number. The numeric values are the ones defined by
// wasi_snapshot_preview1 and are shared with guest binaries.
type Errno uint16

const (
	// No error occurred. System call completed successfully.
	ErrnoSuccess Errno = 0

	// Argument list too long.
	Errno2big Errno = 1

	// Permission denied.
	ErrnoAcces Errno = 2

	// Address in use.
	ErrnoAddrinuse Errno = 3

	// Address not available.
	ErrnoAddrnotavail Errno = 4

	// Address family not supported.
	ErrnoAfnosupport Errno = 5

	// Resource unavailable, or operation would block.
	ErrnoAgain Errno = 6

	// Connection already in progress.
	ErrnoAlready Errno = 7

	// Bad file descriptor.
	ErrnoBadf Errno = 8

	// Bad message.
	ErrnoBadmsg Errno = 9

	// Device or resource busy.
	ErrnoBusy Errno = 10

	// Operation canceled.
	ErrnoCanceled Errno = 11

	// No child processes.
	ErrnoChild Errno = 12

	// Connection aborted.
	ErrnoConnaborted Errno = 13

	// Connection refused.
	ErrnoConnrefused Errno = 14

	// Connection reset.
	ErrnoConnreset Errno = 15

	// Resource deadlock would occur.
	ErrnoDeadlk Errno = 16

	// Destination address required.
	ErrnoDestaddrreq Errno = 17

	// Mathematics argument out of domain of function.
	ErrnoDom Errno = 18

	// Reserved.
	ErrnoDquot Errno = 19

	// File exists.
	ErrnoExist Errno = 20

	// Bad address.
	ErrnoFault Errno = 21

	// File too large.
	ErrnoFbig Errno = 22

	// Host is unreachable.
	ErrnoHostunreach Errno = 23

	// Identifier removed.
	ErrnoIdrm Errno = 24

	// Illegal byte sequence.
	ErrnoIlseq Errno = 25

	// Operation in progress.
	ErrnoInprogress Errno = 26

	// Interrupted function.
	ErrnoIntr Errno = 27

	// Invalid argument.
	ErrnoInval Errno = 28

	// I/O error.
	ErrnoIo Errno = 29

	// Socket is connected.
	ErrnoIsconn Errno = 30

	// Is a directory.
	ErrnoIsdir Errno = 31

	// Too many levels of symbolic links.
	ErrnoLoop Errno = 32

	// File descriptor value too large.
	ErrnoMfile Errno = 33

	// Too many links.
	ErrnoMlink Errno = 34

	// Message too large.
	ErrnoMsgsize Errno = 35

	// Reserved.
	ErrnoMultihop Errno = 36

	// Filename too long.
	ErrnoNametoolong Errno = 37

	// Network is down.
	ErrnoNetdown Errno = 38

	// Connection aborted by network.
	ErrnoNetreset Errno = 39

	// Network unreachable.
	ErrnoNetunreach Errno = 40

	// Too many files open in system.
	ErrnoNfile Errno = 41

	// No buffer space available.
	ErrnoNobufs Errno = 42

	// No such device.
	ErrnoNodev Errno = 43

	// No such file or directory.
	ErrnoNoent Errno = 44

	// Executable file format error.
	ErrnoNoexec Errno = 45

	// No locks available.
	ErrnoNolck Errno = 46

	// Reserved.
	ErrnoNolink Errno = 47

	// Not enough space.
	ErrnoNomem Errno = 48

	// No message of the desired type.
	ErrnoNomsg Errno = 49

	// Protocol not available.
	ErrnoNoprotoopt Errno = 50

	// No space left on device.
	ErrnoNospc Errno = 51

	// Function not supported.
	ErrnoNosys Errno = 52

	// The socket is not connected.
	ErrnoNotconn Errno = 53

	// Not a directory or a symbolic link to a directory.
	ErrnoNotdir Errno = 54

	// Directory not empty.
	ErrnoNotempty Errno = 55

	// State not recoverable.
	ErrnoNotrecoverable Errno = 56

	// Not a socket.
	ErrnoNotsock Errno = 57

	// Not supported, or operation not supported on socket.
	ErrnoNotsup Errno = 58

	// Inappropriate I/O control operation.
	ErrnoNotty Errno = 59

	// No such device or address.
	ErrnoNxio Errno = 60

	// Value too large to be stored in data type.
	ErrnoOverflow Errno = 61

	// Previous owner died.
	ErrnoOwnerdead Errno = 62

	// Operation not permitted.
	ErrnoPerm Errno = 63

	// Broken pipe.
	ErrnoPipe Errno = 64

	// Protocol error.
	ErrnoProto Errno = 65

	// Protocol not supported.
	ErrnoProtonosupport Errno = 66

	// Protocol wrong type for socket.
	ErrnoPrototype Errno = 67

	// Result too large.
	ErrnoRange Errno = 68

	// Read-only file system.
	ErrnoRofs Errno = 69

	// Invalid seek.
	ErrnoSpipe Errno = 70

	// No such process.
	ErrnoSrch Errno = 71

	// Reserved.
	ErrnoStale Errno = 72

	// Connection timed out.
	ErrnoTimedout Errno = 73

	// Text file busy.
	ErrnoTxtbsy Errno = 74

	// Cross-device link.
	ErrnoXdev Errno = 75

	// Extension: Capabilities insufficient.
	ErrnoNotcapable Errno = 76
)

// Error kinds surfaced by the filesystem.
const (
	ErrNotFound   = ErrnoNoent
	ErrNotDir     = ErrnoNotdir
	ErrIsDir      = ErrnoIsdir
	ErrLoop       = ErrnoLoop
	ErrBadFd      = ErrnoBadf
	ErrNotCapable = ErrnoNotcapable
	ErrExist      = ErrnoExist
	ErrNotEmpty   = ErrnoNotempty
	ErrInvalid    = ErrnoInval
	ErrNoSpace    = ErrnoNospc
)

var errnoNames = [...]string{
	"success",
	"2big",
	"acces",
	"addrinuse",
	"addrnotavail",
	"afnosupport",
	"again",
	"already",
	"badf",
	"badmsg",
	"busy",
	"canceled",
	"child",
	"connaborted",
	"connrefused",
	"connreset",
	"deadlk",
	"destaddrreq",
	"dom",
	"dquot",
	"exist",
	"fault",
	"fbig",
	"hostunreach",
	"idrm",
	"ilseq",
	"inprogress",
	"intr",
	"inval",
	"io",
	"isconn",
	"isdir",
	"loop",
	"mfile",
	"mlink",
	"msgsize",
	"multihop",
	"nametoolong",
	"netdown",
	"netreset",
	"netunreach",
	"nfile",
	"nobufs",
	"nodev",
	"noent",
	"noexec",
	"nolck",
	"nolink",
	"nomem",
	"nomsg",
	"noprotoopt",
	"nospc",
	"nosys",
	"notconn",
	"notdir",
	"notempty",
	"notrecoverable",
	"notsock",
	"notsup",
	"notty",
	"nxio",
	"overflow",
	"ownerdead",
	"perm",
	"pipe",
	"proto",
	"protonosupport",
	"prototype",
	"range",
	"rofs",
	"spipe",
	"srch",
	"stale",
	"timedout",
	"txtbsy",
	"xdev",
	"notcapable",
}

// Name returns the WASI name of the errno, e.g. "noent".
func (e Errno) Name() string {
	if int(e) < len(errnoNames) {
		return errnoNames[e]
	}
	return fmt.Sprintf("errno(%d)", uint16(e))
}

func (e Errno) Error() string {
	return e.Name()
}

// IOError is an opaque host I/O failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrnoIo
}

// hostError converts an error returned by the host into an Errno when its
// meaning is known and into an *IOError otherwise.
func hostError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errno := knownErrno(err); errno != ErrnoIo {
		return errno
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// ToErrno maps an error returned by this package (or by a File) onto the WASI
// errno space.
func ToErrno(err error) Errno {
	if err == nil {
		return ErrnoSuccess
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return ErrnoIo
	}
	return knownErrno(err)
}

func knownErrno(err error) Errno {
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ENOENT:
			return ErrnoNoent
		case syscall.EEXIST:
			return ErrnoExist
		case syscall.ENOTDIR:
			return ErrnoNotdir
		case syscall.EISDIR:
			return ErrnoIsdir
		case syscall.ENOTEMPTY:
			return ErrnoNotempty
		case syscall.ELOOP:
			return ErrnoLoop
		case syscall.ENOSPC:
			return ErrnoNospc
		case syscall.EACCES:
			return ErrnoAcces
		case syscall.EPERM:
			return ErrnoPerm
		case syscall.EBADF:
			return ErrnoBadf
		case syscall.EINVAL:
			return ErrnoInval
		case syscall.EXDEV:
			return ErrnoXdev
		case syscall.ENAMETOOLONG:
			return ErrnoNametoolong
		case syscall.EAGAIN:
			return ErrnoAgain
		case syscall.EPIPE:
			return ErrnoPipe
		case syscall.ESPIPE:
			return ErrnoSpipe
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		return ErrnoSuccess
	case errors.Is(err, io.ErrClosedPipe):
		return ErrnoPipe
	case errors.Is(err, os.ErrInvalid):
		return ErrnoInval
	case errors.Is(err, os.ErrPermission):
		return ErrnoPerm
	case errors.Is(err, os.ErrExist):
		return ErrnoExist
	case errors.Is(err, os.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, os.ErrClosed), errors.Is(err, fs.ErrClosed):
		return ErrnoBadf
	case isNotEmpty(err):
		return ErrnoNotempty
	default:
		return ErrnoIo
	}
}

// Some platforms report a non-empty directory with a message only.
func isNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "directory not empty")
}
