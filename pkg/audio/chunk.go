package audio

import "time"

// bytesPerMs for canonical 16-bit PCM at the given rate and channel count
func bytesPerMs(sampleRate, channels int) int {
	if channels <= 0 {
		channels = 1
	}
	return sampleRate * channels * 2 / 1000
}

// splitChunks cuts pcm into chunks of durationMs. The last chunk may be shorter.
func splitChunks(pcm []byte, durationMs, sampleRate, channels int, nextSeq func() uint64) []Chunk {
	if len(pcm) == 0 || durationMs <= 0 {
		return nil
	}
	size := bytesPerMs(sampleRate, channels) * durationMs
	if size <= 0 {
		return nil
	}
	// keep chunk boundaries on whole samples
	size -= size % 2

	now := time.Now()
	chunks := make([]Chunk, 0, (len(pcm)+size-1)/size)
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		data := make([]byte, end-start)
		copy(data, pcm[start:end])
		chunks = append(chunks, Chunk{
			Sequence:   nextSeq(),
			Timestamp:  now,
			DurationMs: (end - start) / bytesPerMs(sampleRate, channels),
			Data:       data,
		})
	}
	return chunks
}
