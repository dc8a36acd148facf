package capture

// MixFrames sums two PCM16 frames sample by sample, clamping at the int16
// range. Frames of unequal length are mixed up to the longer one, treating
// the missing tail of the shorter frame as silence.
func MixFrames(a, b []int16) []int16 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		if i < len(a) {
			sum += int32(a[i])
		}
		if i < len(b) {
			sum += int32(b[i])
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		out[i] = int16(sum)
	}
	return out
}
