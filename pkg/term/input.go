package term

import "io"

// StartInputReader spawns the single goroutine allowed to read operator
// input. Blocking reads land on the returned channel as raw chunks; the
// channel closes when the reader hits EOF or an error. Chunk boundaries are
// preserved because escape disambiguation depends on them.
func StartInputReader(r io.Reader) <-chan []byte {
	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		buf := make([]byte, 1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
