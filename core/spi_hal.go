package core

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

const (
	SPIMode0 SPIMode = 0
	SPIMode1 SPIMode = 1
	SPIMode2 SPIMode = 2
	SPIMode3 SPIMode = 3
)

// CPOL reports whether the clock idles high
func (m SPIMode) CPOL() bool {
	return m&2 != 0
}

// CPHA reports whether data is sampled on the second clock edge
func (m SPIMode) CPHA() bool {
	return m&1 != 0
}

// SPIPeripheral is the register-level view of one hardware SPI controller.
// The transport polls these flags directly; there are no interrupts and no
// DMA. Implementations must make every method non-blocking.
type SPIPeripheral interface {
	// Enable turns the controller on. It is called once per bus and the
	// controller is never disabled again, so the clock line stays driven.
	Enable()

	// Configure sets clock polarity/phase and the bit rate in Hz.
	// Called immediately before every transaction because the bus is
	// shared by devices with different clock requirements.
	Configure(mode SPIMode, rate uint32)

	// EnableReceiver and DisableReceiver toggle the receive path only.
	EnableReceiver()
	DisableReceiver()

	// TxReady reports that the data register can accept another byte
	TxReady() bool

	// TxComplete reports that the shift register has gone idle
	TxComplete() bool

	// RxReady reports that a received byte is waiting in the data register
	RxReady() bool

	// WriteData writes one byte to the transmit data register
	WriteData(b byte)

	// ReadData reads the receive data register
	ReadData() byte
}
