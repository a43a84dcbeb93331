package shim

import "math"

// Strcmp compares the NUL terminated strings at s1 and s2 byte by byte and
// returns the difference of the first mismatching bytes.
func (s *Shim) Strcmp(s1, s2 uintptr) int {
	for i := uintptr(0); ; i++ {
		c1, c2 := s.byteAt(s1+i), s.byteAt(s2+i)
		if c1 != c2 || c1 == 0 {
			return int(c1) - int(c2)
		}
	}
}

// VsnprintfChk is the fortified vsnprintf entry point. Formatting is not
// supported: nothing is written and 0 is returned.
func (s *Shim) VsnprintfChk() int32 {
	s.log.Debug("__vsnprintf_chk")
	return 0
}

func (s *Shim) byteAt(addr uintptr) byte {
	b, ok := s.cfg.Memory.Slice(addr, 1)
	if !ok {
		return 0
	}
	return b[0]
}

// Copysign returns a value with the magnitude of mag and the sign of sgn.
func Copysign(mag, sgn float64) float64 { return math.Copysign(mag, sgn) }

// Copysignf is the float32 version of Copysign.
func Copysignf(mag, sgn float32) float32 {
	return float32(math.Copysign(float64(mag), float64(sgn)))
}

// Floor returns the greatest integer value less than or equal to v.
func Floor(v float64) float64 { return math.Floor(v) }

// Floorf is the float32 version of Floor.
func Floorf(v float32) float32 { return float32(math.Floor(float64(v))) }

// Ceil returns the least integer value greater than or equal to v.
func Ceil(v float64) float64 { return math.Ceil(v) }

// Ceilf is the float32 version of Ceil.
func Ceilf(v float32) float32 { return float32(math.Ceil(float64(v))) }

// Sqrt returns the square root of v.
func Sqrt(v float64) float64 { return math.Sqrt(v) }

// Sqrtf is the float32 version of Sqrt.
func Sqrtf(v float32) float32 { return float32(math.Sqrt(float64(v))) }

// Trunc returns the integer value of v.
func Trunc(v float64) float64 { return math.Trunc(v) }

// Truncf is the float32 version of Trunc.
func Truncf(v float32) float32 { return float32(math.Trunc(float64(v))) }

// Rint rounds v to the nearest integer, rounding ties to even.
func Rint(v float64) float64 { return math.RoundToEven(v) }

// Rintf is the float32 version of Rint.
func Rintf(v float32) float32 { return float32(math.RoundToEven(float64(v))) }
