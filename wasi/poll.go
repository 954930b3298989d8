package wasi

import (
	"strings"
	"time"
)

// PollEvent is a readiness condition.
type PollEvent uint8

const (
	PollReadable PollEvent = iota
	PollWritable
	PollError
	PollHangup
	PollInvalid
)

var pollEventNames = [...]string{"readable", "writable", "error", "hangup", "invalid"}

func (e PollEvent) String() string {
	if int(e) < len(pollEventNames) {
		return pollEventNames[e]
	}
	return "unknown"
}

// PollEventSet is a set of PollEvents.
type PollEventSet uint8

const (
	Readable = PollEventSet(1 << PollReadable)
	Writable = PollEventSet(1 << PollWritable)
	Error    = PollEventSet(1 << PollError)
	Hangup   = PollEventSet(1 << PollHangup)
	Invalid  = PollEventSet(1 << PollInvalid)

	interestEvents = Readable | Writable
)

func (s PollEventSet) Has(e PollEvent) bool {
	return s&(1<<e) != 0
}

func (s PollEventSet) Add(e PollEvent) PollEventSet {
	return s | 1<<e
}

// Events returns the events in s in ascending order.
func (s PollEventSet) Events() []PollEvent {
	var events []PollEvent
	for e := PollReadable; e <= PollInvalid; e++ {
		if s.Has(e) {
			events = append(events, e)
		}
	}
	return events
}

func (s PollEventSet) String() string {
	events := s.Events()
	if len(events) == 0 {
		return "none"
	}
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.String()
	}
	return strings.Join(names, "|")
}

// PollRequest registers interest in the readiness of a descriptor.
type PollRequest struct {
	Fd       Fd
	Interest PollEventSet
}

// PollEventBuilder accumulates poll requests. Interests registered for the
// same descriptor are merged.
type PollEventBuilder struct {
	requests []PollRequest
	index    map[Fd]int
}

func NewPollEventBuilder() *PollEventBuilder {
	return &PollEventBuilder{index: map[Fd]int{}}
}

func (b *PollEventBuilder) Add(fd Fd, interest PollEventSet) *PollEventBuilder {
	if i, ok := b.index[fd]; ok {
		b.requests[i].Interest |= interest
		return b
	}
	b.index[fd] = len(b.requests)
	b.requests = append(b.requests, PollRequest{Fd: fd, Interest: interest})
	return b
}

func (b *PollEventBuilder) Build() []PollRequest {
	return append([]PollRequest(nil), b.requests...)
}

// PollResult is the outcome of a poll request. Errno is set when the request
// itself failed.
type PollResult struct {
	Fd    Fd
	Ready PollEventSet
	Errno Errno
}

// PollEventIter yields the results of a single poll. It cannot be restarted.
type PollEventIter struct {
	results []PollResult
}

// Next returns the next result. Once it has returned false it always does.
func (it *PollEventIter) Next() (PollResult, bool) {
	if len(it.results) == 0 {
		it.results = nil
		return PollResult{}, false
	}
	r := it.results[0]
	it.results = it.results[1:]
	return r, true
}

// Len returns the number of results not yet consumed.
func (it *PollEventIter) Len() int {
	return len(it.results)
}

// hostPollFd is a host descriptor waited on by pollHost.
type hostPollFd struct {
	fd       uintptr
	interest PollEventSet
	ready    PollEventSet
	err      error
}

// PollOneoff waits until at least one request is ready or timeout elapses.
// A zero timeout never blocks and a negative timeout waits indefinitely.
// Failures of individual requests are reported as results.
func (fs *WasiFs) PollOneoff(requests []PollRequest, timeout time.Duration) (*PollEventIter, error) {
	if len(requests) == 0 {
		return nil, ErrInvalid
	}

	results := make([]PollResult, len(requests))
	var (
		hosts  []hostPollFd
		owners = map[int][]int{}
		byFd   = map[uintptr]int{}
	)

	fs.mu.RLock()
	for i, r := range requests {
		res := &results[i]
		res.Fd = r.Fd

		interest := r.Interest & interestEvents
		if interest == 0 {
			res.Errno, res.Ready = ErrnoInval, Invalid
			continue
		}
		e, err := fs.fds.acquire(r.Fd, RightsPollFdReadwrite)
		if err != nil {
			res.Errno, res.Ready = ToErrno(err), Invalid
			continue
		}
		if e.file == nil {
			res.Errno, res.Ready = ErrnoIsdir, Invalid
			continue
		}

		if p, ok := e.file.(Pollable); ok {
			if hostFd, ok := p.PollFd(); ok {
				h, seen := byFd[hostFd]
				if !seen {
					h = len(hosts)
					byFd[hostFd] = h
					hosts = append(hosts, hostPollFd{fd: hostFd})
				}
				hosts[h].interest |= interest
				owners[h] = append(owners[h], i)
				continue
			}
		}
		res.Ready = interest & alwaysReady(e.file)
	}
	fs.mu.RUnlock()

	immediate := false
	for _, r := range results {
		if r.Ready != 0 || r.Errno != ErrnoSuccess {
			immediate = true
			break
		}
	}

	switch {
	case len(hosts) != 0:
		wait := timeout
		if immediate {
			wait = 0
		}
		if err := pollHost(hosts, wait); err != nil {
			return nil, hostError("poll", "", err)
		}
		for h, host := range hosts {
			for _, i := range owners[h] {
				res := &results[i]
				if host.err != nil {
					res.Errno, res.Ready = ToErrno(hostError("poll", "", host.err)), Error
					continue
				}
				res.Ready = host.ready & (requests[i].Interest | Error | Hangup)
			}
		}
	case !immediate:
		if timeout < 0 {
			// Nothing can ever become ready.
			return nil, ErrInvalid
		}
		time.Sleep(timeout)
	}

	it := &PollEventIter{}
	for _, r := range results {
		if r.Ready != 0 || r.Errno != ErrnoSuccess {
			it.results = append(it.results, r)
		}
	}
	return it, nil
}

// alwaysReady returns the readiness of a file that is not backed by a
// pollable host descriptor.
func alwaysReady(f File) PollEventSet {
	if s, ok := f.(*StdioFile); ok {
		if s.Stream() == StreamStdin {
			return Readable
		}
		return Writable
	}
	return Readable | Writable
}
