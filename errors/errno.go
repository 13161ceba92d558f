// This is a compatibility shim for the POSIX errno codes the device layer
// actually needs to classify: syscall.Errno isn't portable across platforms,
// and filedevice only cares about a handful of cases anyway.

package errors

import (
	"fmt"
)

type Errno int

var errorMessagesByCode map[Errno]string

const (
	EOK Errno = iota
	ENOENT
	EIO
	EACCES
	ENOSPC
)

func init() {
	errorMessagesByCode = make(map[Errno]string, 4)
	errorMessagesByCode[ENOENT] = "No such file or directory"
	errorMessagesByCode[EIO] = "Input/output error"
	errorMessagesByCode[EACCES] = "Permission denied"
	errorMessagesByCode[ENOSPC] = "No space left on device"
}

func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}
