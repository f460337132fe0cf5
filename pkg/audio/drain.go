package audio

// Drain reads from ch until it is closed, discarding every value. Callers
// that abandon a synthesis stream use it so the producer can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
