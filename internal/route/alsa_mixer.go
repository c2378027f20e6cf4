package route

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The ALSA control API (include/sound/asound.h in the kernel tree) is a
// stable ioctl ABI: numid-addressed elements read/written as a fixed-size
// snd_ctl_elem_value struct. The teacher drives its CM108 PTT device the
// same way -- a raw ioctl against an opened character device
// (src/cm108.go's unix.IoctlHIDGetRawInfo, src/ptt.go's
// unix.IoctlGetInt/IoctlSetInt against /dev/ttyUSBn) -- this file is the
// same pattern aimed at /dev/snd/controlCn instead.

const (
	elemIDNameLen  = 44
	elemValueIntLen = 128

	// ioctl direction/type encoding per Linux's _IOC macros, computed for
	// the 'U' ('U'==0x55) ALSA control ioctl family.
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// snd_ctl_elem_id (subset actually used by numid lookups).
type elemID struct {
	numid      uint32
	iface      int32
	device     uint32
	subdevice  uint32
	name       [elemIDNameLen]byte
	index      uint32
}

// snd_ctl_elem_info (subset: id, type, count, value.integer.{min,max}).
type elemInfo struct {
	id       elemID
	typ      int32
	access   uint32
	count    uint32
	_        uint32 // pad/owner union head, unused here
	min      int64
	max      int64
	step     int64
	_        [96]byte // remainder of the value union, unused
}

// snd_ctl_elem_value (subset: id, value.integer.value[128]).
type elemValue struct {
	id    elemID
	_     [8]byte // indirect/type padding, unused
	value [elemValueIntLen]int64
	_     [128]byte // reserved tail of the union, unused
}

var (
	ctlIoctlElemList  = ioc(iocRead|iocWrite, 'U', 0x92, unsafe.Sizeof(elemListReq{}))
	ctlIoctlElemInfo  = ioc(iocRead|iocWrite, 'U', 0x91, unsafe.Sizeof(elemInfo{}))
	ctlIoctlElemRead  = ioc(iocRead|iocWrite, 'U', 0x93, unsafe.Sizeof(elemValue{}))
	ctlIoctlElemWrite = ioc(iocRead|iocWrite, 'U', 0x94, unsafe.Sizeof(elemValue{}))
)

type elemListReq struct {
	offset      uint32
	space       uint32
	used        uint32
	count       uint32
	pids        uintptr
	_           [50]byte
}

// alsaMixer is the real Mixer backend: an open control device fd. Names
// are not cached; every Control lookup walks the element list again.
type alsaMixer struct {
	fd   int
	file *os.File
}

// openALSAMixer opens /dev/snd/controlC<cardIndex>.
func openALSAMixer(cardIndex int) (Mixer, error) {
	path := fmt.Sprintf("/dev/snd/controlC%d", cardIndex)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &alsaMixer{fd: int(f.Fd()), file: f}, nil
}

// OpenMixer is the production OpenMixerFunc passed to NewController.
func OpenMixer(cardIndex int) (Mixer, error) {
	return openALSAMixer(cardIndex)
}

func (m *alsaMixer) Close() error { return m.file.Close() }

// Control resolves a control by name. The kernel has no by-name ioctl, so
// this walks the element list and reads back each candidate's id.name --
// same approach tinyalsa's mixer_get_ctl_by_name takes over the same
// ioctls.
func (m *alsaMixer) Control(name string) (Control, bool) {
	count, err := m.elemCount()
	if err != nil {
		return nil, false
	}
	for numid := uint32(1); numid <= count; numid++ {
		info, err := m.elemInfoByNumID(numid)
		if err != nil {
			continue
		}
		if cString(info.id.name[:]) == name {
			return &alsaControl{mixer: m, numid: numid, min: int(info.min), max: int(info.max), count: int(info.count)}, true
		}
	}
	return nil, false
}

func (m *alsaMixer) elemCount() (uint32, error) {
	var req elemListReq
	if err := m.ioctl(ctlIoctlElemList, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.count, nil
}

func (m *alsaMixer) elemInfoByNumID(numid uint32) (*elemInfo, error) {
	var info elemInfo
	info.id.numid = numid
	if err := m.ioctl(ctlIoctlElemInfo, unsafe.Pointer(&info)); err != nil {
		return nil, err
	}
	return &info, nil
}

func (m *alsaMixer) ioctl(req uintptr, ptr unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.fd), req, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// alsaControl is a Control bound to one resolved numid.
type alsaControl struct {
	mixer *alsaMixer
	numid uint32
	min   int
	max   int
	count int
}

func (c *alsaControl) Min() int       { return c.min }
func (c *alsaControl) Max() int       { return c.max }
func (c *alsaControl) NumValues() int { return c.count }

func (c *alsaControl) Get(index int) (int, error) {
	var v elemValue
	v.id.numid = c.numid
	if err := c.mixer.ioctl(ctlIoctlElemRead, unsafe.Pointer(&v)); err != nil {
		return 0, err
	}
	if index < 0 || index >= elemValueIntLen {
		return 0, fmt.Errorf("route: value index %d out of range", index)
	}
	return int(v.value[index]), nil
}

func (c *alsaControl) Set(index, value int) error {
	var v elemValue
	v.id.numid = c.numid
	if err := c.mixer.ioctl(ctlIoctlElemRead, unsafe.Pointer(&v)); err != nil {
		return err
	}
	if index < 0 || index >= elemValueIntLen {
		return fmt.Errorf("route: value index %d out of range", index)
	}
	v.value[index] = int64(value)
	return c.mixer.ioctl(ctlIoctlElemWrite, unsafe.Pointer(&v))
}
