package core

// Itoa converts an integer to a string without using fmt package
// This is a lightweight alternative for embedded systems
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}

	negative := n < 0
	u := uint64(n)
	if negative {
		u = uint64(-n)
	}

	var buf [21]byte
	pos := len(buf)
	for u > 0 {
		pos--
		buf[pos] = byte('0' + u%10)
		u /= 10
	}

	if negative {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

// Utoa converts an unsigned integer to a string
func Utoa(n uint32) string {
	if n == 0 {
		return "0"
	}

	var buf [10]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[pos:])
}

// Ftoa formats f with a fixed number of decimals (at most 6)
// NaN and infinities are spelled out
func Ftoa(f float32, decimals int) string {
	if f != f {
		return "nan"
	}
	if f > 3.4e38 {
		return "+inf"
	}
	if f < -3.4e38 {
		return "-inf"
	}
	if decimals > 6 {
		decimals = 6
	}

	scale := 1
	for i := 0; i < decimals; i++ {
		scale *= 10
	}

	negative := f < 0
	if negative {
		f = -f
	}

	// Round half away from zero at the last kept decimal
	scaled := uint64(float64(f)*float64(scale) + 0.5)
	whole := scaled / uint64(scale)
	frac := scaled % uint64(scale)

	s := ""
	if negative && scaled != 0 {
		s = "-"
	}
	s += Itoa(int(whole))
	if decimals == 0 {
		return s
	}

	digits := make([]byte, decimals)
	for i := decimals - 1; i >= 0; i-- {
		digits[i] = byte('0' + frac%10)
		frac /= 10
	}
	return s + "." + string(digits)
}
