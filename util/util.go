// Package util contains misc internal utilities.
package util

import (
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// GetBit returns the value of a given bit in a byte, bit 0 being the LSB
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}

// Clamp limits f to the range [low, high]
func Clamp(f, low, high float64) float64 {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// SecsToDuration converts a floating point number of seconds to a Duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// WeightedMean returns the mean of fs with fs[i] weighted by ws[i], zero if
// the weights sum to zero.  A nil ws weighs every value equally.
func WeightedMean(fs, ws []float64) float64 {
	var sum, total float64
	for i, f := range fs {
		w := 1.
		if ws != nil {
			w = ws[i]
		}
		sum += f * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
