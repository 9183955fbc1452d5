// Package queue holds the bounded drop-oldest channel helpers shared by the
// market data feed and the strategy engine.
package queue

// Offer sends v on ch without blocking. When ch is full the oldest buffered
// value is discarded to make room, so slow consumers always see the most
// recent data. It reports how many values were dropped.
//
// Offer is only safe with a single sender per channel; a concurrent sender
// could refill the slot between the discard and the send.
func Offer[T any](ch chan T, v T) (dropped int) {
	if cap(ch) == 0 {
		select {
		case ch <- v:
			return 0
		default:
			return 1
		}
	}
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped++
		default:
		}
	}
}
