package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine whose output is no longer wanted,
// such as a source's frame channel after the send path has stopped.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
