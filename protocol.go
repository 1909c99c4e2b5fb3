package usbuart

// Parity represents the parity mode
type Parity uint8

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// StopBits represents the number of stop bits
type StopBits uint8

const (
	StopBits1 StopBits = iota
	StopBits15
	StopBits2
)

// FlowControl represents the flow control mode
type FlowControl uint8

const (
	FlowControlNone FlowControl = iota
	FlowControlRTSCTS
	FlowControlDTRDSR
	FlowControlXONXOFF
)

// Protocol holds the EIA/TIA-232 line parameters for a channel. It is
// fixed at attach time; reconfiguring requires a new channel.
type Protocol struct {
	BaudRate    uint32
	DataBits    uint8
	Parity      Parity
	StopBits    StopBits
	FlowControl FlowControl
}

// Standard protocol presets.
var (
	Proto115200_8N1    = Protocol{BaudRate: 115200, DataBits: 8}
	Proto115200_8N1RTS = Protocol{BaudRate: 115200, DataBits: 8, FlowControl: FlowControlRTSCTS}
	Proto19200_8N1     = Protocol{BaudRate: 19200, DataBits: 8}
	Proto19200_8N1RTS  = Protocol{BaudRate: 19200, DataBits: 8, FlowControl: FlowControlRTSCTS}
)

// Option is a functional option for building a Protocol
type Option func(*Protocol) error

// NewProtocol returns a protocol built from 115200 8N1 defaults with
// the given options applied.
func NewProtocol(opts ...Option) (Protocol, error) {
	p := Proto115200_8N1
	for _, opt := range opts {
		if err := opt(&p); err != nil {
			return Protocol{}, err
		}
	}
	return p, nil
}

// WithBaudRate sets the baud rate
func WithBaudRate(rate uint32) Option {
	return func(p *Protocol) error {
		if rate == 0 {
			return InvalidParam
		}
		p.BaudRate = rate
		return nil
	}
}

// WithDataBits sets the number of data bits (5 through 9)
func WithDataBits(bits uint8) Option {
	return func(p *Protocol) error {
		if bits < 5 || bits > 9 {
			return InvalidParam
		}
		p.DataBits = bits
		return nil
	}
}

// WithParity sets the parity mode
func WithParity(parity Parity) Option {
	return func(p *Protocol) error {
		if parity > ParitySpace {
			return InvalidParam
		}
		p.Parity = parity
		return nil
	}
}

// WithStopBits sets the number of stop bits
func WithStopBits(bits StopBits) Option {
	return func(p *Protocol) error {
		if bits > StopBits2 {
			return InvalidParam
		}
		p.StopBits = bits
		return nil
	}
}

// WithFlowControl sets the flow control mode
func WithFlowControl(fc FlowControl) Option {
	return func(p *Protocol) error {
		if fc > FlowControlXONXOFF {
			return InvalidParam
		}
		p.FlowControl = fc
		return nil
	}
}

// validate checks every field range before any hardware is touched.
func (p Protocol) validate() error {
	switch {
	case p.BaudRate == 0:
		return invalidParamf("baudrate")
	case p.DataBits < 5 || p.DataBits > 9:
		return invalidParamf("databits")
	case p.Parity > ParitySpace:
		return invalidParamf("parity")
	case p.StopBits > StopBits2:
		return invalidParamf("stopbits")
	case p.FlowControl > FlowControlXONXOFF:
		return invalidParamf("flowcontrol")
	}
	return nil
}
