// Command shm_inspect attaches to a live session ring in /dev/shm and
// prints its handshake state and counters until the session finishes.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/dma/sdrcap/pkg/shm_ring"
)

func main() {
	shmName := flag.String("shm", "", "Session ring name, e.g. /sdrcap-<session id>")
	interval := flag.Duration("interval", 500*time.Millisecond, "Poll interval")
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer glog.Flush()

	if *shmName == "" {
		fmt.Fprintln(os.Stderr, "usage: shm_inspect -shm /sdrcap-<session id>")
		os.Exit(2)
	}

	glog.Infof("Connecting to SHM: /dev/shm%s", *shmName)
	ring, err := shm_ring.Open(*shmName)
	if err != nil {
		glog.Exitf("Failed to open SHM ring: %v", err)
	}
	defer ring.Close()

	glog.Infof("Ring: %d slots x %d bytes", ring.Slots(), ring.SlotSize())

	var last shm_ring.Counters
	for {
		c := ring.Counters()
		if c != last {
			fmt.Printf("ready=%03b go=%v done=%03b | captured %10d dropped %6d written %10d | in-flight %3d | cursor %14d flushed %14d (%d calls, %d errors)\n",
				ring.ReadyMask(), ring.GoRaised(), ring.DoneMask(),
				c.Captured, c.Dropped, c.Written, c.InFlight, c.Bytes, c.Flushed, c.FlushCalls, c.FlushErrors)
			last = c
		}
		if kind, stage, reason := ring.Fault(); kind != 0 {
			fmt.Printf("fault kind=%d stage=%03b: %s\n", kind, stage, reason)
		}
		if ring.DoneMask() == shm_ring.AllStages {
			fmt.Println("All stages done.")
			return
		}
		time.Sleep(*interval)
	}
}
