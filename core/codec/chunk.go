package codec

// DefaultMTU is the per-write budget for a single GATT characteristic write.
const DefaultMTU = 200

// SplitFrames cuts data into ordered chunks of at most size bytes. The chunks
// alias data. Empty input yields no frames; size <= 0 is treated as DefaultMTU.
func SplitFrames(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultMTU
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		frames = append(frames, data[:n:n])
		data = data[n:]
	}
	return frames
}
