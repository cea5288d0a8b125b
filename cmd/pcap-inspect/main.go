package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"GoSniffy/pkg/capture"
)

func main() {
	limit := flag.Int("n", 0, "Stop after n frames (0 = all)")
	dump := flag.Bool("x", false, "Hex dump payloads")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: pcap-inspect [-n count] [-x] <capture.pcap>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer f.Close()

	frames, err := capture.ReadPcap(f)
	if err != nil {
		log.Fatalf("Failed to read pcap file: %v", err)
	}

	var bytes int
	for i, fr := range frames {
		if *limit > 0 && i >= *limit {
			break
		}
		fmt.Printf("[%s] %s:%d -> %s:%d len=%d\n",
			fr.Timestamp.Format("15:04:05.000"),
			fr.SrcIP, fr.SrcPort, fr.DstIP, fr.DstPort, len(fr.Payload),
		)
		if *dump && len(fr.Payload) > 0 {
			fmt.Print(hex.Dump(fr.Payload))
		}
		bytes += len(fr.Payload)
	}
	fmt.Printf("%d frames, %d payload bytes\n", len(frames), bytes)
}
