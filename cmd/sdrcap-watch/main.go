// Command sdrcap-watch follows a running sdrcap status server over its
// websocket and prints progress. With -stop it ends the capture instead.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type snapshot struct {
	Session  string  `json:"session"`
	Status   string  `json:"status"`
	Elapsed  float64 `json:"elapsed_s"`
	Target   uint64  `json:"target_buffers"`
	Progress float64 `json:"progress"`
	Stats    struct {
		Captured uint64 `json:"buffers_captured"`
		Dropped  uint64 `json:"buffers_dropped"`
		Written  uint64 `json:"buffers_written"`
		Bytes    uint64 `json:"bytes_written"`
	} `json:"stats"`
}

type message struct {
	Type     string    `json:"type"`
	Finished bool      `json:"finished"`
	Stopping bool      `json:"stopping"`
	Snapshot *snapshot `json:"snapshot"`
	Report   *struct {
		Status    string `json:"status"`
		Reason    string `json:"reason"`
		ErrorKind string `json:"error_kind"`
	} `json:"report"`
}

func main() {
	addr := flag.String("addr", "localhost:8080", "sdrcap status server address")
	stop := flag.Bool("stop", false, "Ask the capture to stop, then follow it to the end")
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer glog.Flush()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		glog.Exitf("dial: %v", err)
	}
	defer c.Close()

	if *stop {
		if err := c.WriteJSON(map[string]string{"type": "stop"}); err != nil {
			glog.Exitf("stop: %v", err)
		}
	}

	for {
		var msg message
		if err := c.ReadJSON(&msg); err != nil {
			glog.Exitf("read: %v", err)
		}
		switch {
		case msg.Snapshot != nil:
			s := msg.Snapshot
			fmt.Printf("%s %-9s %7.1fs %5.1f%% | captured %d/%d dropped %d written %d (%.1f MB)\n",
				s.Session, s.Status, s.Elapsed, 100*s.Progress,
				s.Stats.Captured, s.Target, s.Stats.Dropped, s.Stats.Written, float64(s.Stats.Bytes)/1e6)
		case msg.Stopping:
			fmt.Println("stopping...")
		case msg.Finished && msg.Report != nil:
			fmt.Printf("finished: %s", msg.Report.Status)
			if msg.Report.Reason != "" {
				fmt.Printf(" (%s: %s)", msg.Report.ErrorKind, msg.Report.Reason)
			}
			fmt.Println()
			if msg.Report.Status != "completed" {
				glog.Flush()
				os.Exit(1)
			}
			return
		}
	}
}
