package usbuart

import "sync"

// The process-wide default context, allocated on first use. Programs
// that only ever talk to one bus can use the package-level helpers and
// never construct a Context themselves.
var (
	defaultOnce sync.Once
	defaultCtx  *Context
)

// Default returns the shared context, creating it on first call. When
// libusb initialisation fails the returned context is still non-nil;
// its operations report LibusbError.
func Default() *Context {
	defaultOnce.Do(func() {
		ctx, err := NewContext()
		if err != nil {
			logger.WithError(err).Error("default context initialisation failed")
			ctx = &Context{}
		}
		defaultCtx = ctx
	})
	return defaultCtx
}

// Attach calls Attach on the default context.
func Attach(sel DeviceSelector, ch Channel, proto Protocol) int {
	return Default().Attach(sel, ch, proto)
}

// Pipe calls Pipe on the default context.
func Pipe(sel DeviceSelector, ch *Channel, proto Protocol) int {
	return Default().Pipe(sel, ch, proto)
}

// CloseChannel calls CloseChannel on the default context.
func CloseChannel(ch Channel) {
	Default().CloseChannel(ch)
}

// Status calls Status on the default context.
func Status(ch Channel) int {
	return Default().Status(ch)
}

// Loop calls Loop on the default context.
func Loop(timeoutMs int) int {
	return Default().Loop(timeoutMs)
}

// Reset calls Reset on the default context.
func Reset(ch Channel) int {
	return Default().Reset(ch)
}

// SendBreak calls SendBreak on the default context.
func SendBreak(ch Channel) int {
	return Default().SendBreak(ch)
}
