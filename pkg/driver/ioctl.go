package driver

// ioctl direction and encoding constants, matching asm-generic/ioctl.h
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// IoW encodes a write ioctl command (userspace writes, kernel reads)
func IoW(typ, nr, size int) uint32 {
	return ioc(iocWrite, uint32(typ), uint32(nr), uint32(size))
}

// IoR encodes a read ioctl command
func IoR(typ, nr, size int) uint32 {
	return ioc(iocRead, uint32(typ), uint32(nr), uint32(size))
}

// Io encodes an ioctl command with no payload
func Io(typ, nr int) uint32 {
	return ioc(iocNone, uint32(typ), uint32(nr), 0)
}
