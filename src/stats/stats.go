// Package stats provides cheap counters for the kernel's stat surface.
package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"
import "unsafe"

// Nirqs counts deliveries per vector.
var Nirqs [256]int64

// Irqs is the total interrupt count.
var Irqs int64

// Counter_t is a statistical counter.
type Counter_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, 1)
}

// Add adds m to the counter.
func (c *Counter_t) Add(m int64) {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, m)
}

// Read returns the counter value.
func (c *Counter_t) Read() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " +
				strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
