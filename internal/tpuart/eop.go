package tpuart

import "knx-gateway/internal/telegram"

// DetectEOP scans buf for the first position where a byte equals the running
// checksum of everything before it and returns the frame length including
// that checksum byte. Candidates shorter than the minimum telegram size are
// skipped. ok is false when no frame end is found.
func DetectEOP(buf []byte) (n int, ok bool) {
	x := byte(0xFF)
	for i := 0; i+1 < len(buf); i++ {
		x ^= buf[i]
		if i+2 >= telegram.MinSize && buf[i+1] == x {
			return i + 2, true
		}
	}
	return 0, false
}
