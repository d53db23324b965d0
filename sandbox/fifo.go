package sandbox

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// FIFOBase is the named pipe path template; the direction letter and
// the session index are appended.
const FIFOBase = "/tmp/.prun"

// FIFOPair is the dedicated pipe pair of one executor session: the
// write FIFO carries the script to the interpreter, the read FIFO
// carries the numeric result back.
//
// Both ends are opened O_RDWR|O_NONBLOCK so the owning session can
// poll them regardless of when the interpreter opens its side.
type FIFOPair struct {
	ReadPath  string
	WritePath string

	readFD  int
	writeFD int
}

// NewFIFOPair creates the pipe pair of session idx. When uid is
// non-zero the pipes are chowned to it, so an impersonated
// interpreter can open them.
func NewFIFOPair(idx int, uid int) (*FIFOPair, error) {
	p := &FIFOPair{
		ReadPath:  FIFOBase + "r" + strconv.Itoa(idx),
		WritePath: FIFOBase + "w" + strconv.Itoa(idx),
		readFD:    -1,
		writeFD:   -1,
	}
	var err error
	p.readFD, err = createFifo(p.ReadPath, uid)
	if err != nil {
		return nil, err
	}
	p.writeFD, err = createFifo(p.WritePath, uid)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func createFifo(path string, uid int) (int, error) {
	os.Remove(path)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return -1, fmt.Errorf("mkfifo %v: %w", path, err)
	}
	if uid != 0 {
		if err := os.Chown(path, uid, -1); err != nil {
			return -1, fmt.Errorf("chown %v: %w", path, err)
		}
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("open fifo %v: %w", path, err)
	}
	return fd, nil
}

// Close closes both descriptors and unlinks the paths.
func (p *FIFOPair) Close() {
	if p.readFD != -1 {
		unix.Close(p.readFD)
		p.readFD = -1
	}
	if p.writeFD != -1 {
		unix.Close(p.writeFD)
		p.writeFD = -1
	}
	os.Remove(p.ReadPath)
	os.Remove(p.WritePath)
}

// pollWait blocks until the descriptor is ready for the given events
// or the timeout passes. It reports readiness; a zero return with nil
// error is the timeout.
func pollWait(fd int, events int16, timeoutMs int) (bool, error) {
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}
