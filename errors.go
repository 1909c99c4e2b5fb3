package usbuart

import "errors"

// Code identifies a failure kind. The numeric values are stable and
// part of the ABI: public operations report failures as the negated
// code. Code implements error so backend failures can be wrapped with
// %w and classified with errors.Is at the facade.
type Code int

const (
	Success        Code = 0
	NoChannels     Code = 1  // context has no more live channels
	NotImplemented Code = 2  // operation not implemented by this driver
	InvalidParam   Code = 3  // invalid parameter passed to the API
	NoChannel      Code = 4  // requested channel does not exist
	NoAccess       Code = 5  // access permission denied
	NotSupported   Code = 6  // device is not supported
	NoDevice       Code = 7  // device does not exist
	NoInterface    Code = 8  // claim interface failed
	InterfaceBusy  Code = 9  // requested interface busy
	LibusbError    Code = 10 // libusb error
	USBError       Code = 11 // USB level error
	DeviceError    Code = 12 // hardware level error
	BadBaudrate    Code = 13 // unsupported baud rate
	ProbeMismatch  Code = 14 // device returned unexpected value while probing
	ControlError   Code = 15 // control transfer error
	IOError        Code = 16 // I/O error on an attached file
	FcntlError     Code = 17 // fcntl failed on an attached file
	PollError      Code = 18 // poll returned EINVAL
	PipeError      Code = 19 // failed to create a pipe
	OutOfMemory    Code = 20 // resource allocation failed

	// Value 21 is reserved; it belonged to a platform-glue error of an
	// earlier binding and is kept vacant so the codes above and below
	// never move.

	UnknownError Code = 22
)

var codeNames = map[Code]string{
	Success:        "success",
	NoChannels:     "no channels",
	NotImplemented: "not implemented",
	InvalidParam:   "invalid parameter",
	NoChannel:      "no such channel",
	NoAccess:       "access denied",
	NotSupported:   "device not supported",
	NoDevice:       "no such device",
	NoInterface:    "claim interface failed",
	InterfaceBusy:  "interface busy",
	LibusbError:    "libusb error",
	USBError:       "usb error",
	DeviceError:    "device error",
	BadBaudrate:    "unsupported baud rate",
	ProbeMismatch:  "probe mismatch",
	ControlError:   "control transfer error",
	IOError:        "i/o error",
	FcntlError:     "fcntl error",
	PollError:      "poll error",
	PipeError:      "pipe creation failed",
	OutOfMemory:    "out of memory",
	UnknownError:   "unknown error",
}

func (c Code) Error() string { return c.String() }

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown error"
}

// Int returns the negated ABI value reported for this code.
func (c Code) Int() int { return -int(c) }

// codeOf extracts the Code from an error chain, mapping anything
// unrecognised to UnknownError.
func codeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return UnknownError
}
