package tmc

// TMC5160/TMC5240 register map, limited to what direct coil-current
// control and status readback need. Addresses are shared by both parts.

// Register addresses
const (
	GCONF         = 0x00 // Global configuration flags
	GSTAT         = 0x01 // Global status flags, write 1 to clear
	IFCNT         = 0x02 // Interface write counter
	IOIN          = 0x04 // Input pin states and silicon version
	GLOBAL_SCALER = 0x0B // Global current scaler
	IHOLD_IRUN    = 0x10 // Driver current control
	TPOWERDOWN    = 0x11 // Delay before standstill current reduction
	XDIRECT       = 0x2D // Coil currents in direct mode (shares XTARGET)
	MSCNT         = 0x6A // Microstep counter (read only)
	CHOPCONF      = 0x6C // Chopper configuration
	DRV_STATUS    = 0x6F // Driver status flags
	PWMCONF       = 0x70 // StealthChop PWM configuration
)

// GCONF bits
const (
	GCONF_RECALIBRATE = 1 << 0
	GCONF_EN_PWM_MODE = 1 << 2 // StealthChop; must be off in direct mode
	GCONF_SHAFT       = 1 << 4 // Inverse motor direction
	GCONF_DIAG0_ERROR = 1 << 5
	GCONF_DIAG0_OTPW  = 1 << 6
	GCONF_STOP_ENABLE = 1 << 15
	GCONF_DIRECT_MODE = 1 << 16 // Coil currents taken from XDIRECT
)

// GSTAT bits
const (
	GSTAT_RESET   = 1 << 0 // Driver has been reset since the last read
	GSTAT_DRV_ERR = 1 << 1 // Driver shut down on overtemperature or short
	GSTAT_UV_CP   = 1 << 2 // Charge pump undervoltage
)

// DRV_STATUS bits
const (
	DRV_STATUS_SG_RESULT = 0x3FF
	DRV_STATUS_S2VSA     = 1 << 12
	DRV_STATUS_S2VSB     = 1 << 13
	DRV_STATUS_STEALTH   = 1 << 14
	DRV_STATUS_CS_ACTUAL = 0x1F << 16
	DRV_STATUS_OT        = 1 << 25 // Overtemperature shutdown
	DRV_STATUS_OTPW      = 1 << 26 // Overtemperature pre-warning
	DRV_STATUS_S2GA      = 1 << 27
	DRV_STATUS_S2GB      = 1 << 28
	DRV_STATUS_OLA       = 1 << 29 // Open load, coil A
	DRV_STATUS_OLB       = 1 << 30 // Open load, coil B
	DRV_STATUS_STST      = 1 << 31 // Standstill

	// Any of these means the coils are not being driven as commanded
	DRV_STATUS_FAULTS = DRV_STATUS_S2VSA | DRV_STATUS_S2VSB | DRV_STATUS_OT |
		DRV_STATUS_S2GA | DRV_STATUS_S2GB
)

// XDIRECT layout: two signed 9-bit coil currents
const (
	XDIRECT_COIL_A_SHIFT = 0
	XDIRECT_COIL_B_SHIFT = 16
	XDIRECT_COIL_MASK    = 0x1FF

	// CoilCurrentMax is the largest coil current the sine table is scaled
	// to; the register accepts up to 255
	CoilCurrentMax = 248
)

// SPI access
const (
	WRITE_BIT = 0x80
	SPIMode   = 3
	SPIRate   = 4000000
)

// Defaults
const (
	IHOLD_DEFAULT      = 16 // Standstill current (0-31)
	IRUN_DEFAULT       = 31 // Run current (0-31)
	IHOLDDELAY_DEFAULT = 6  // Hold delay (0-15)

	// TOFF=3, HSTRT=4, HEND=1, TBL=2, 256 microsteps
	CHOPCONF_DEFAULT = 0x000100C3

	// Direct mode ignores TPOWERDOWN, keep it at its maximum
	TPOWERDOWN_DEFAULT = 0xFF
)

// IHoldIRun packs the IHOLD_IRUN register
func IHoldIRun(ihold, irun, iholdDelay uint8) uint32 {
	return uint32(ihold&0x1F) | uint32(irun&0x1F)<<8 | uint32(iholdDelay&0x0F)<<16
}
