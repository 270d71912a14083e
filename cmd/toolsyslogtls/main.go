// Command toolsyslogtls dials a syslogsrc listener over TLS and streams
// synthetic numeric samples, one float64 per line, for manual testing of the
// syslog source filter without standing up a full pipeline.
package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6514", "syslog source TLS address")
	insecure := flag.Bool("insecure", true, "skip TLS cert verification")
	count := flag.Int("count", 100, "number of samples to send")
	interval := flag.Duration("interval", 250*time.Millisecond, "interval between samples")
	amplitude := flag.Float64("amplitude", 100, "sine wave amplitude")
	noise := flag.Float64("noise", 5, "uniform noise added to each sample")
	flag.Parse()

	cfg := &tls.Config{InsecureSkipVerify: *insecure}
	conn, err := tls.Dial("tcp", *addr, cfg)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	w := bufio.NewWriter(conn)
	log.Printf("connected to %s", *addr)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *count; i++ {
		v := *amplitude*math.Sin(float64(i)/10) + (r.Float64()*2-1)**noise
		if _, err := w.WriteString(fmt.Sprintf("%f\n", v)); err != nil {
			log.Fatalf("write: %v", err)
		}
		if err := w.Flush(); err != nil {
			log.Fatalf("flush: %v", err)
		}
		time.Sleep(*interval)
	}
	log.Printf("sent %d samples", *count)
}
