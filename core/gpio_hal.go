package core

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// GPIODriver is the abstract GPIO interface that core code uses.
// Platform-specific implementations handle actual hardware control.
// Chip-select lines of the shared SPI bus are driven through it.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	// Returns error if pin is invalid or already in use
	ConfigureOutput(pin GPIOPin) error

	// SetPin sets the pin to high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error

	// GetPin reads the current pin state
	GetPin(pin GPIOPin) (bool, error)
}

// Global singleton used by core code.
var gpioDriver GPIODriver

// SetGPIODriver is called by target-specific code to register its driver.
func SetGPIODriver(d GPIODriver) {
	gpioDriver = d
}

// MustGPIO returns the configured driver or panics if missing.
// Only call this during bring-up, never from the control tick.
func MustGPIO() GPIODriver {
	if gpioDriver == nil {
		panic("GPIO driver not configured")
	}
	return gpioDriver
}

// GetGPIO returns the configured driver or nil if none is registered
func GetGPIO() GPIODriver {
	return gpioDriver
}
