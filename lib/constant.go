package lib

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpHeaderLength = 20 //options not included
	IpHeaderLength  = 20
	MaxWindow       = 65535 // window scaling is not supported
	DefaultMSS      = 536   // RFC 1122 default when the peer sends no MSS option
	MinMSS          = 64
)
