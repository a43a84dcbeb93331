package shim

import (
	"io"
	"strings"

	"go.uber.org/zap"

	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/vfs"
)

// Open flag bits understood by Open.
const (
	OExclusive = 0o200
	OTruncate  = 0o1000
	OAppend    = 0o2000
)

// MaxIovecs is the largest descriptor count accepted by Readv and Writev.
const MaxIovecs = 1024

// Open opens the file whose NUL terminated name is at path and returns its
// descriptor, or -1 on failure. The mode argument is ignored.
func (s *Shim) Open(path uintptr, flags, mode int32) int32 {
	name := strings.ToValidUTF8(string(readCString(s.cfg.Memory, path)), "\uFFFD")

	handle, err := s.cfg.FS.Open(name, vfs.OpenFlags{
		Append:    flags&OAppend != 0,
		Exclusive: flags&OExclusive != 0,
		Truncate:  flags&OTruncate != 0,
	})

	s.log.Debug("open", zap.String("name", name), zap.Int32("flags", flags), zap.Int("fd", handle))
	if err != nil {
		return -1
	}
	return int32(handle)
}

// Close commits and releases fd. Closing a standard stream is a no-op;
// closing an unknown descriptor panics.
func (s *Shim) Close(fd int32) int32 {
	s.log.Debug("close", zap.Int32("fd", fd))
	if fd >= Stdin && fd <= Stderr {
		return 0
	}

	s.cfg.FS.Close(int(fd))
	return 0
}

// Lseek repositions the cursor of fd and returns the new offset, or -1 on
// failure.
func (s *Shim) Lseek(fd int32, offset int64, whence int32) int64 {
	pos, err := s.cfg.FS.Seek(int(fd), offset, int(whence))
	s.log.Debug("lseek", zap.Int32("fd", fd), zap.Int64("offset", offset), zap.Int32("whence", whence), zap.Int64("pos", pos))
	if err != nil {
		return -1
	}
	return pos
}

// iovec is a {base, size} buffer descriptor.
type iovec struct {
	base, size uintptr
}

// readIovec decodes the i-th descriptor of the array at addr.
func (s *Shim) readIovec(addr uintptr, i int32) (iovec, bool) {
	ptrSize := s.cfg.PointerSize
	entry := addr + uintptr(i)*2*ptrSize

	if ptrSize == 4 {
		base, ok1 := mm.ReadUint32(s.cfg.Memory, entry)
		size, ok2 := mm.ReadUint32(s.cfg.Memory, entry+4)
		return iovec{uintptr(base), uintptr(size)}, ok1 && ok2
	}

	base, ok1 := mm.ReadUint64(s.cfg.Memory, entry)
	size, ok2 := mm.ReadUint64(s.cfg.Memory, entry+8)
	return iovec{uintptr(base), uintptr(size)}, ok1 && ok2
}

// buffers resolves the iovec array at iov into memory views. It returns
// false if iovcnt is out of range or if any descriptor or buffer is not
// addressable.
func (s *Shim) buffers(iov uintptr, iovcnt int32) ([][]byte, bool) {
	if iovcnt < 0 || iovcnt > MaxIovecs {
		return nil, false
	}

	var bufs [][]byte
	for i := int32(0); i < iovcnt; i++ {
		vec, ok := s.readIovec(iov, i)
		if !ok {
			return nil, false
		}

		b, ok := s.cfg.Memory.Slice(vec.base, vec.size)
		if !ok {
			return nil, false
		}
		bufs = append(bufs, b)
	}
	return bufs, true
}

// Readv fills the buffers described by the iovcnt descriptors at iov from
// fd and returns the number of bytes read, or -1 on failure. The standard
// streams always read as end of file.
func (s *Shim) Readv(fd int32, iov uintptr, iovcnt int32) int64 {
	s.log.Debug("readv", zap.Int32("fd", fd), zap.Int32("iovcnt", iovcnt))
	if fd >= Stdin && fd <= Stderr {
		return 0
	}

	bufs, ok := s.buffers(iov, iovcnt)
	if !ok {
		return -1
	}

	var count int64
	for _, b := range bufs {
		n, err := s.cfg.FS.Read(int(fd), b)
		if err != nil {
			return -1
		}
		count += int64(n)
	}

	return count
}

// Writev writes the buffers described by the iovcnt descriptors at iov to
// fd and returns the number of bytes written, or -1 on failure. Writes to
// stdout and stderr are rendered as text on the console; writes to stdin
// are discarded.
func (s *Shim) Writev(fd int32, iov uintptr, iovcnt int32) int64 {
	s.log.Debug("writev", zap.Int32("fd", fd), zap.Int32("iovcnt", iovcnt))
	if fd == Stdin {
		return 0
	}

	bufs, ok := s.buffers(iov, iovcnt)
	if !ok {
		return -1
	}

	var count int64
	for _, b := range bufs {
		if fd == Stdout || fd == Stderr {
			if s.cfg.Console != nil {
				// Console output is best effort.
				_, _ = io.WriteString(s.cfg.Console, strings.ToValidUTF8(string(b), "\uFFFD"))
			}
			count += int64(len(b))
			continue
		}

		n, err := s.cfg.FS.Write(int(fd), b)
		if err != nil {
			return -1
		}
		count += int64(n)
	}

	return count
}

// Getrandom returns one random 64-bit value.
func (s *Shim) Getrandom() uint64 {
	s.log.Debug("getrandom")
	return s.cfg.Random()
}

// ClockGetres always fails: there is no clock source.
func (s *Shim) ClockGetres(clockID int32, res uintptr) int32 {
	s.log.Debug("clock_getres", zap.Int32("clock", clockID))
	return -1
}

// ClockGettime always fails: there is no clock source.
func (s *Shim) ClockGettime(clockID int32, tp uintptr) int32 {
	s.log.Debug("clock_gettime", zap.Int32("clock", clockID))
	return -1
}

// Openat is not supported and always fails.
func (s *Shim) Openat(dirfd int32, path uintptr, flags, mode int32) int32 {
	s.log.Debug("openat", zap.Int32("dirfd", dirfd))
	return -1
}

// Fstat reports success without filling in buf.
func (s *Shim) Fstat(fd int32, buf uintptr) int32 {
	s.log.Debug("fstat", zap.Int32("fd", fd))
	return 0
}

// Fcntl reports success without doing anything.
func (s *Shim) Fcntl(fd, cmd, arg int32) int32 {
	s.log.Debug("fcntl", zap.Int32("fd", fd), zap.Int32("cmd", cmd))
	return 0
}

// Fdatasync reports success; the filesystem is not persisted.
func (s *Shim) Fdatasync(fd int32) int32 {
	s.log.Debug("fdatasync", zap.Int32("fd", fd))
	return 0
}
