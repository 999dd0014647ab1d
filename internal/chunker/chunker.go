// Package chunker splits files into fixed-size chunks and reassembles them.
package chunker

import "fmt"

// Split slices data into chunks of chunkSize bytes, in file layout order.
// The final chunk may be shorter; a size that is an exact multiple of
// chunkSize produces no trailing short chunk. Zero-byte input produces a
// single zero-length chunk so empty files are still protected.
func Split(data []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	if len(data) == 0 {
		return [][]byte{{}}, nil
	}

	count := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, 0, count)

	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}

	return chunks, nil
}

// Join reassembles chunks in index order. Each chunk must already be trimmed
// to its recorded original length; Join is plain concatenation.
func Join(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}

	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}

	return out
}

// Count returns the number of chunks a file of the given size splits into.
func Count(size int64, chunkSize int) int {
	if size == 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
